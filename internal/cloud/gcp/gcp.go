package gcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/osbuild/upload-relay/internal/credentials"
	"github.com/osbuild/upload-relay/internal/store"
)

// GCP structure holds necessary information to authenticate and interact with GCP.
type GCP struct {
	creds *google.Credentials
}

// New returns an authenticated GCP instance, allowing to interact with
// Cloud Storage on behalf of the given service account key.
func New(ctx context.Context, credentials []byte) (*GCP, error) {
	creds, err := google.CredentialsFromJSON(
		ctx,
		credentials,
		storage.ScopeReadWrite, // file upload
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get Google credentials: %v", err)
	}

	return &GCP{creds}, nil
}

// Backend connects to Cloud Storage buckets with the service account key
// supplied by each request.
type Backend struct {
	// ChunkSize is the size of each request of a resumable upload session.
	// It is rounded up to a multiple of googleapi.MinUploadChunkSize.
	ChunkSize int

	// Endpoint overrides the Cloud Storage API endpoint, e.g. for an
	// emulator.
	Endpoint string
}

func (b *Backend) CredentialKind() string {
	return credentials.ServiceAccount
}

func (b *Backend) Connect(ctx context.Context, bucket string, credentials []byte) (store.Store, error) {
	g, err := New(ctx, credentials)
	if err != nil {
		return nil, store.NewError("invalidCredentials", err)
	}

	opts := []option.ClientOption{option.WithCredentials(g.creds)}
	if b.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(b.Endpoint))
	}

	// The client outlives the request context, it is closed with the store.
	storageClient, err := storage.NewClient(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to get Storage client: %v", err)
	}

	return &Bucket{
		client:    storageClient,
		handle:    storageClient.Bucket(bucket),
		name:      bucket,
		chunkSize: roundChunkSize(b.ChunkSize),
	}, nil
}

func roundChunkSize(size int) int {
	if size <= 0 {
		return googleapi.DefaultUploadChunkSize
	}
	if rem := size % googleapi.MinUploadChunkSize; rem != 0 {
		size += googleapi.MinUploadChunkSize - rem
	}
	return size
}

// Bucket is a store.Store backed by one Cloud Storage bucket.
type Bucket struct {
	client    *storage.Client
	handle    *storage.BucketHandle
	name      string
	chunkSize int
}

func (b *Bucket) Bucket() string {
	return b.name
}

func (b *Bucket) Close() error {
	return b.client.Close()
}

// OpenWrite starts an object upload. A resumable write uses an upload
// session sending ChunkSize bytes per request, a single-shot write streams
// the whole object in one request.
//
// Uses:
//   - Storage API
func (b *Bucket) OpenWrite(ctx context.Context, req store.WriteRequest) (store.Sink, error) {
	ctx, cancel := context.WithCancel(ctx)

	wc := b.handle.Object(req.Path).NewWriter(ctx)
	wc.ContentType = req.ContentType
	if req.Resumable {
		wc.ChunkSize = b.chunkSize
	} else {
		wc.ChunkSize = 0
	}

	return &objectWriter{
		wc:     wc,
		cancel: cancel,
	}, nil
}

type objectWriter struct {
	wc     *storage.Writer
	cancel context.CancelFunc
}

func (w *objectWriter) Write(p []byte) (int, error) {
	n, err := w.wc.Write(p)
	if err != nil {
		return n, storeError(err)
	}
	return n, nil
}

// Finalize commits the object. The object will not be available until
// Close has been called.
func (w *objectWriter) Finalize() (string, error) {
	if err := w.wc.Close(); err != nil {
		return "", storeError(err)
	}
	w.cancel()
	return w.wc.Attrs().Name, nil
}

// Abort cancels the writer context, which makes the upload fail without
// creating the object.
func (w *objectWriter) Abort() {
	w.cancel()
}

// storeError keeps the Cloud Storage error reason as the error code.
func storeError(err error) error {
	if errors.Is(err, storage.ErrBucketNotExist) {
		return store.NewError("notFound", err)
	}
	if errors.Is(err, context.Canceled) {
		return store.NewError("", store.ErrAborted)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		code := strconv.Itoa(gerr.Code)
		if len(gerr.Errors) > 0 && gerr.Errors[0].Reason != "" {
			code = gerr.Errors[0].Reason
		}
		return store.NewError(code, err)
	}
	return store.NewError("", err)
}
