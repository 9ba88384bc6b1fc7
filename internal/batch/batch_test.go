package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/upload-relay/internal/transfer"
)

const serviceAccount = `{"type":"service_account","project_id":"test"}`

// fakeSender reads the whole body in small steps and reports progress. Files
// named in fail are rejected after the body was sent, files named in block
// wait for release.
type fakeSender struct {
	mu       sync.Mutex
	requests []Request
	received map[string][]byte

	fail    map[string]error
	block   map[string]chan struct{}
	started chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		received: make(map[string][]byte),
		fail:     make(map[string]error),
		block:    make(map[string]chan struct{}),
		started:  make(chan string, 16),
	}
}

func (s *fakeSender) Send(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	release := s.block[req.FileName]
	failure := s.fail[req.FileName]
	s.mu.Unlock()

	s.started <- req.FileName
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	var buf bytes.Buffer
	chunk := make([]byte, 3)
	for {
		n, err := req.Body.Read(chunk)
		buf.Write(chunk[:n])
		if n > 0 {
			progress(int64(buf.Len()), req.Size)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}

	if failure != nil {
		return "", failure
	}

	s.mu.Lock()
	s.received[req.FileName] = buf.Bytes()
	s.mu.Unlock()
	return req.PathLocation + "/" + req.FileName, nil
}

func memFile(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func newTestOrchestrator(sender Sender) *Orchestrator {
	logger, _ := logrusTest.NewNullLogger()
	return NewOrchestrator(sender, logger, Config{MaxFileSize: 64})
}

var dest = Destination{Bucket: "bucket", Prefix: "uploads"}

func TestBatchAllSucceed(t *testing.T) {
	sender := newFakeSender()
	o := newTestOrchestrator(sender)

	files := []File{
		memFile("a.txt", []byte("first file")),
		memFile("b.txt", []byte("second file body")),
		memFile("a.txt", nil),
	}
	b, err := o.SubmitBatch(context.Background(), files, dest, []byte(serviceAccount))
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)

	out, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, out.SuccessCount)
	require.Equal(t, 0, out.ErrorCount)
	require.Equal(t, "Successfully uploaded 3 file(s) to gs://bucket/uploads", out.Message)

	summary := b.Snapshot()
	require.Equal(t, 3, summary.Selected)
	require.Equal(t, int64(26), summary.TotalBytes)
	require.Len(t, summary.Files, 3)
	for i, v := range summary.Files {
		assert.Equal(t, transfer.Key(files[i].Name, i), v.Key)
		assert.Equal(t, transfer.StatusSuccess, v.Status)
		assert.Equal(t, files[i].Size, v.BytesAcknowledged)
		assert.Equal(t, 100, v.Percentage)
		assert.Equal(t, "uploads/"+files[i].Name, v.DestinationPath)
		assert.Equal(t, "uploads/"+files[i].Name, v.CommittedObjectName)
		assert.Empty(t, v.ErrorDetail)
	}
	require.Equal(t, []byte("second file body"), sender.received["b.txt"])
	for _, req := range sender.requests {
		assert.Equal(t, b.ID, req.ExternalID)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	sender := newFakeSender()
	sender.fail["bad.txt"] = errors.New("Upload failed with status 500")
	o := newTestOrchestrator(sender)

	files := []File{
		memFile("good.txt", []byte("0123456789")),
		memFile("bad.txt", []byte("0123456789")),
	}
	b, err := o.SubmitBatch(context.Background(), files, dest, []byte(serviceAccount))
	require.NoError(t, err)

	out, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.SuccessCount)
	require.Equal(t, 1, out.ErrorCount)
	require.Equal(t, "1 file(s) failed to upload. Check individual file status below.", out.Message)

	views := b.Snapshot().Files
	require.Equal(t, transfer.StatusSuccess, views[0].Status)
	require.Equal(t, transfer.StatusError, views[1].Status)
	require.Equal(t, "Upload failed with status 500", views[1].ErrorDetail)
	require.Empty(t, views[1].CommittedObjectName)
	require.Less(t, views[1].BytesAcknowledged, views[1].Size)
}

func TestBatchOpenFailure(t *testing.T) {
	sender := newFakeSender()
	o := newTestOrchestrator(sender)

	files := []File{{
		Name: "gone.txt",
		Size: 4,
		Open: func() (io.ReadCloser, error) {
			return nil, errors.New("file vanished")
		},
	}}
	b, err := o.SubmitBatch(context.Background(), files, dest, []byte(serviceAccount))
	require.NoError(t, err)

	out, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.ErrorCount)
	require.Equal(t, "file vanished", b.Snapshot().Files[0].ErrorDetail)
	require.Empty(t, sender.requests)
}

func TestBatchOversizeRejectsAll(t *testing.T) {
	sender := newFakeSender()
	logger, _ := logrusTest.NewNullLogger()
	o := NewOrchestrator(sender, logger, Config{})

	files := []File{
		memFile("small.txt", []byte("x")),
		{Name: "big.iso", Size: 10 * 1024 * 1024},
		{Name: "huge.iso", Size: 6 * 1024 * 1024},
	}
	b, err := o.SubmitBatch(context.Background(), files, dest, []byte(serviceAccount))
	require.Nil(t, b)
	require.ErrorIs(t, err, ErrValidation)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "File size limit exceeded (4MB max): big.iso (10.00 MB), huge.iso (6.00 MB)", ve.Message)
	require.Empty(t, sender.requests)
}

func TestBatchValidation(t *testing.T) {
	files := []File{memFile("a.txt", []byte("a"))}
	cases := []struct {
		name       string
		files      []File
		dest       Destination
		credential string
		message    string
	}{
		{"no files", nil, dest, serviceAccount, "Please select at least one file to upload"},
		{"no bucket", files, Destination{Prefix: "p"}, serviceAccount, "Please enter a bucket name"},
		{"no path", files, Destination{Bucket: "b", Prefix: "  "}, serviceAccount, "Please enter a path location"},
		{"no credential", files, dest, "", "Please provide service account JSON"},
		{"not json", files, dest, "{oops", "Invalid JSON format for service account"},
		{"wrong kind", files, dest, `{"type":"authorized_user"}`, "Invalid service account JSON: must be a service account type"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sender := newFakeSender()
			_, err := newTestOrchestrator(sender).SubmitBatch(context.Background(), c.files, c.dest, []byte(c.credential))
			require.ErrorIs(t, err, ErrValidation)
			require.EqualError(t, err, c.message)
			require.Empty(t, sender.requests)
		})
	}

	logger, _ := logrusTest.NewNullLogger()
	o := NewOrchestrator(newFakeSender(), logger, Config{CredentialKind: "aws_access_key"})
	_, err := o.SubmitBatch(context.Background(), files, dest, []byte(serviceAccount))
	require.EqualError(t, err, "Invalid credentials: must be a aws_access_key type")
}

func TestBatchTransfersAreIndependent(t *testing.T) {
	sender := newFakeSender()
	release := make(chan struct{})
	sender.block["slow.txt"] = release
	o := newTestOrchestrator(sender)

	var mu sync.Mutex
	finished := make(map[string]transfer.Status)
	observer := func(v transfer.View) {
		if v.Status.Terminal() {
			mu.Lock()
			finished[v.Name] = v.Status
			mu.Unlock()
		}
	}

	files := []File{
		memFile("slow.txt", []byte("slow")),
		memFile("fast.txt", []byte("fast")),
	}
	b, err := o.SubmitBatch(context.Background(), files, dest, []byte(serviceAccount), WithObserver(observer))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finished["fast.txt"] == transfer.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-b.Done():
		t.Fatal("batch finished before the slow transfer")
	default:
	}
	require.Equal(t, transfer.StatusUploading, b.Snapshot().Files[0].Status)

	close(release)
	out, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, out.SuccessCount)
}

func TestBatchObserverOrder(t *testing.T) {
	sender := newFakeSender()
	o := newTestOrchestrator(sender)

	var mu sync.Mutex
	var views []transfer.View
	observer := func(v transfer.View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	}

	data := []byte("0123456789abcdef")
	b, err := o.SubmitBatch(context.Background(), []File{memFile("f.bin", data)}, dest, []byte(serviceAccount), WithObserver(observer))
	require.NoError(t, err)
	_, err = b.Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, views)
	require.Equal(t, transfer.StatusUploading, views[0].Status)
	require.Equal(t, transfer.StatusSuccess, views[len(views)-1].Status)

	var last int64
	sawProcessing := false
	for _, v := range views {
		require.GreaterOrEqual(t, v.BytesAcknowledged, last)
		last = v.BytesAcknowledged
		if v.Status == transfer.StatusProcessing {
			sawProcessing = true
			require.Equal(t, 100, v.Percentage)
		}
	}
	require.True(t, sawProcessing)
}

func TestBatchWaitContext(t *testing.T) {
	sender := newFakeSender()
	release := make(chan struct{})
	sender.block["stuck.txt"] = release
	o := newTestOrchestrator(sender)

	b, err := o.SubmitBatch(context.Background(), []File{memFile("stuck.txt", []byte("x"))}, dest, []byte(serviceAccount))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	out, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.SuccessCount)
}

func TestSelection(t *testing.T) {
	files := []File{
		{Name: "a", Size: 1024},
		{Name: "b", Size: 512},
	}
	require.Equal(t, "Selected 2 file(s) (1.50 KB)", Selection(files))
}
