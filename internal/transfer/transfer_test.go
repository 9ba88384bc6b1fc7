package transfer

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusJSON(t *testing.T) {
	type wrapper struct {
		Status Status `json:"status"`
	}

	for _, c := range []struct {
		status Status
		str    string
	}{
		{StatusPending, `{"status":"pending"}`},
		{StatusUploading, `{"status":"uploading"}`},
		{StatusProcessing, `{"status":"processing"}`},
		{StatusSuccess, `{"status":"success"}`},
		{StatusError, `{"status":"error"}`},
	} {
		data, err := json.Marshal(wrapper{c.status})
		require.NoError(t, err)
		assert.JSONEq(t, c.str, string(data))

		var w wrapper
		require.NoError(t, json.Unmarshal([]byte(c.str), &w))
		assert.Equal(t, c.status, w.Status)
	}

	var w wrapper
	err := json.Unmarshal([]byte(`{"status":"done"}`), &w)
	var convErr *StatusConversionError
	assert.ErrorAs(t, err, &convErr)
}

func TestHappyPath(t *testing.T) {
	ft := New("a.bin", 0, 200, "dir/a.bin")
	assert.Equal(t, "a.bin-0", ft.Key)
	assert.Equal(t, StatusPending, ft.Status)

	require.NoError(t, ft.Apply(Event{Kind: EventStart}))
	assert.Equal(t, StatusUploading, ft.Status)

	require.NoError(t, ft.Apply(Event{Kind: EventProgress, Loaded: 50, Total: 200}))
	assert.Equal(t, int64(50), ft.BytesAcknowledged)
	assert.Equal(t, 25, ft.Percentage)

	require.NoError(t, ft.Apply(Event{Kind: EventProgress, Loaded: 133, Total: 200}))
	assert.Equal(t, 67, ft.Percentage)

	require.NoError(t, ft.Apply(Event{Kind: EventSent}))
	assert.Equal(t, StatusProcessing, ft.Status)
	assert.Equal(t, 100, ft.Percentage)

	require.NoError(t, ft.Apply(Event{Kind: EventCommitted, ObjectName: "dir/a.bin"}))
	assert.Equal(t, StatusSuccess, ft.Status)
	assert.Equal(t, "dir/a.bin", ft.CommittedObjectName)
	assert.Equal(t, ft.Size, ft.BytesAcknowledged)
	assert.Empty(t, ft.ErrorDetail)
}

func TestErrorFromEveryLiveStatus(t *testing.T) {
	prefixes := [][]Event{
		{},
		{{Kind: EventStart}},
		{{Kind: EventStart}, {Kind: EventProgress, Loaded: 10, Total: 10}, {Kind: EventSent}},
	}

	for _, events := range prefixes {
		ft := New("f", 1, 10, "p/f")
		for _, ev := range events {
			require.NoError(t, ft.Apply(ev))
		}
		before := ft.BytesAcknowledged
		require.NoError(t, ft.Apply(Event{Kind: EventFailed, Detail: "Network error"}))
		assert.Equal(t, StatusError, ft.Status)
		assert.Equal(t, "Network error", ft.ErrorDetail)
		assert.Empty(t, ft.CommittedObjectName)
		assert.Equal(t, before, ft.BytesAcknowledged)
		assert.Less(t, ft.BytesAcknowledged, ft.Size)
	}
}

func TestIllegalTransitions(t *testing.T) {
	ft := New("f", 0, 10, "p/f")

	assert.ErrorIs(t, ft.Apply(Event{Kind: EventProgress, Loaded: 1, Total: 10}), ErrIllegalTransition)
	assert.ErrorIs(t, ft.Apply(Event{Kind: EventSent}), ErrIllegalTransition)
	assert.ErrorIs(t, ft.Apply(Event{Kind: EventCommitted}), ErrIllegalTransition)
	assert.Equal(t, StatusPending, ft.Status)

	require.NoError(t, ft.Apply(Event{Kind: EventStart}))
	require.NoError(t, ft.Apply(Event{Kind: EventProgress, Loaded: 6, Total: 10}))
	assert.ErrorIs(t, ft.Apply(Event{Kind: EventProgress, Loaded: 5, Total: 10}), ErrIllegalTransition)
	assert.Equal(t, int64(6), ft.BytesAcknowledged)
	assert.ErrorIs(t, ft.Apply(Event{Kind: EventStart}), ErrIllegalTransition)

	require.NoError(t, ft.Apply(Event{Kind: EventSent}))
	assert.ErrorIs(t, ft.Apply(Event{Kind: EventProgress, Loaded: 10, Total: 10}), ErrIllegalTransition)
	require.NoError(t, ft.Apply(Event{Kind: EventCommitted, ObjectName: "p/f"}))

	// terminal records never change
	before := ft.View()
	for _, ev := range []Event{
		{Kind: EventStart},
		{Kind: EventProgress, Loaded: 1, Total: 10},
		{Kind: EventSent},
		{Kind: EventFailed, Detail: "late"},
		{Kind: EventCommitted, ObjectName: "other"},
	} {
		assert.ErrorIs(t, ft.Apply(ev), ErrIllegalTransition)
	}
	assert.Equal(t, before, ft.View())
}

func TestProgressClampedToSize(t *testing.T) {
	ft := New("f", 0, 10, "p/f")
	require.NoError(t, ft.Apply(Event{Kind: EventStart}))
	require.NoError(t, ft.Apply(Event{Kind: EventProgress, Loaded: 12, Total: 12}))
	assert.Equal(t, int64(9), ft.BytesAcknowledged)
	assert.Equal(t, 100, ft.Percentage)

	require.NoError(t, ft.Apply(Event{Kind: EventSent}))
	require.NoError(t, ft.Apply(Event{Kind: EventCommitted, ObjectName: "p/f"}))
	assert.Equal(t, int64(10), ft.BytesAcknowledged)
}

func TestBytesAcknowledgedNeverDecreases(t *testing.T) {
	ft := New("f", 0, 100, "p/f")
	require.NoError(t, ft.Apply(Event{Kind: EventStart}))
	require.NoError(t, ft.Apply(Event{Kind: EventProgress, Loaded: 100, Total: 100}))
	require.NoError(t, ft.Apply(Event{Kind: EventSent}))
	acked := ft.BytesAcknowledged
	assert.Less(t, acked, ft.Size)

	require.NoError(t, ft.Apply(Event{Kind: EventFailed, Detail: "quotaExceeded"}))
	assert.Equal(t, acked, ft.BytesAcknowledged)
}

func TestEmptyFile(t *testing.T) {
	ft := New("empty", 0, 0, "p/empty")
	require.NoError(t, ft.Apply(Event{Kind: EventStart}))
	require.NoError(t, ft.Apply(Event{Kind: EventProgress, Loaded: 0, Total: 0}))
	assert.Zero(t, ft.BytesAcknowledged)
	require.NoError(t, ft.Apply(Event{Kind: EventFailed, Detail: "Network error"}))
	assert.Zero(t, ft.BytesAcknowledged)
	assert.Equal(t, StatusError, ft.Status)
}

func TestTracker(t *testing.T) {
	logger, hook := logrusTest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var mu sync.Mutex
	var seen []Status
	tr := NewTracker(New("f", 0, 4, "p/f"), logger, func(v View) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v.Status)
	})
	go tr.Run()

	assert.True(t, tr.Emit(Event{Kind: EventStart}))
	assert.True(t, tr.Emit(Event{Kind: EventProgress, Loaded: 2, Total: 4}))
	// rejected, the tracker keeps going
	assert.True(t, tr.Emit(Event{Kind: EventCommitted}))
	assert.True(t, tr.Emit(Event{Kind: EventSent}))
	assert.True(t, tr.Emit(Event{Kind: EventCommitted, ObjectName: "p/f"}))
	<-tr.Done()

	assert.False(t, tr.Emit(Event{Kind: EventFailed, Detail: "late"}))

	v := tr.View()
	assert.Equal(t, StatusSuccess, v.Status)
	assert.Equal(t, "p/f", v.CommittedObjectName)
	require.Len(t, tr.Rejected(), 1)
	assert.ErrorIs(t, tr.Rejected()[0], ErrIllegalTransition)

	mu.Lock()
	assert.Equal(t, []Status{StatusUploading, StatusUploading, StatusProcessing, StatusSuccess}, seen)
	mu.Unlock()

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}
