package client

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/osbuild/upload-relay/internal/batch"
	"github.com/osbuild/upload-relay/internal/relay"
)

// FileFromPath selects a local regular file for a batch.
func FileFromPath(path string) (batch.File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return batch.File{}, err
	}
	if !fi.Mode().IsRegular() {
		return batch.File{}, fmt.Errorf("%s is not a regular file", path)
	}

	return batch.File{
		Name:        filepath.Base(path),
		Size:        fi.Size(),
		ContentType: contentType(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// contentType guesses from the extension first and from the content second.
func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return relay.DefaultContentType
	}
	return mt.String()
}
