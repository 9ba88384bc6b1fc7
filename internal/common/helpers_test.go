package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFileSize(t *testing.T) {
	cases := []struct {
		input  int64
		output string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{4 * 1024 * 1024, "4.00 MB"},
		{4*1024*1024 + 1, "4.00 MB"},
		{5767168, "5.50 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}

	for _, c := range cases {
		assert.Equal(t, c.output, FormatFileSize(c.input))
	}
}
