// Package azure writes relayed objects to Azure Blob Storage containers.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/store"
)

// CredentialKind is the "type" of the credential blobs accepted by Backend.
const CredentialKind = "azure_storage_key"

const (
	minBlockSize int64 = 1024 * 1024
	// https://learn.microsoft.com/en-us/rest/api/storageservices/put-block
	maxBlockSize int64 = 4000 * 1024 * 1024
)

// StorageKey is the credential blob accepted by Backend.
type StorageKey struct {
	Type        string `json:"type"`
	AccountName string `json:"account_name"`
	AccountKey  string `json:"account_key"`
}

// Backend connects to the containers of the storage account named by the
// key supplied with each request. The bucket of a request is the container.
type Backend struct {
	// Endpoint is the blob service URL, e.g. an Azurite instance. The
	// account name is appended to it. When empty, the public endpoint
	// https://<account>.blob.core.windows.net is used.
	Endpoint string

	// BlockSize is the size of each staged block. Blobs larger than one
	// block are committed from a block list.
	BlockSize int64
}

func (b *Backend) CredentialKind() string {
	return CredentialKind
}

func (b *Backend) serviceURL(account string) string {
	if b.Endpoint == "" {
		return fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	return strings.TrimSuffix(b.Endpoint, "/") + "/" + account
}

func (b *Backend) Connect(ctx context.Context, bucket string, credential []byte) (store.Store, error) {
	var key StorageKey
	if err := json.Unmarshal(credential, &key); err != nil {
		return nil, store.NewError("InvalidCredentials", err)
	}
	if key.AccountName == "" || key.AccountKey == "" {
		return nil, store.NewError("InvalidCredentials", errors.New("account_name and account_key are required"))
	}

	cred, err := azblob.NewSharedKeyCredential(key.AccountName, key.AccountKey)
	if err != nil {
		return nil, store.NewError("InvalidCredentials", fmt.Errorf("cannot create shared key credential: %w", err))
	}

	client, err := container.NewClientWithSharedKeyCredential(b.serviceURL(key.AccountName)+"/"+bucket, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create a container client: %w", err)
	}

	return &Container{
		client:    client,
		name:      bucket,
		blockSize: b.BlockSize,
	}, nil
}

// Container is a store.Store writing block blobs into one container.
type Container struct {
	client    *container.Client
	name      string
	blockSize int64
}

func (c *Container) Bucket() string {
	return c.name
}

func (c *Container) Close() error {
	return nil
}

// uploadBlockSize picks the staged block size, which bounds the bytes held
// in memory per upload. A single-shot write smaller than a block only
// buffers its declared size and is sent with one Put Blob request.
func (c *Container) uploadBlockSize(req store.WriteRequest) int64 {
	size := c.blockSize
	if size <= 0 {
		size = minBlockSize
	}
	if !req.Resumable && req.Size > 0 && req.Size < size {
		size = req.Size
	}
	if size < minBlockSize {
		size = minBlockSize
	}
	if size > maxBlockSize {
		size = maxBlockSize
	}
	return size
}

// OpenWrite starts a block blob upload fed by the returned sink. The blob
// is only created when its block list is committed by Finalize.
func (c *Container) OpenWrite(ctx context.Context, req store.WriteRequest) (store.Sink, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	u := &blobUpload{
		name:   req.Path,
		pw:     pw,
		cancel: cancel,
		done:   make(chan error, 1),
	}

	client := c.client.NewBlockBlobClient(req.Path)
	contentType := req.ContentType
	opts := &blockblob.UploadStreamOptions{
		BlockSize:   c.uploadBlockSize(req),
		Concurrency: 1,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	}

	go func() {
		logrus.Debugf("[Azure] Uploading block blob: %s/%s", c.name, req.Path)
		_, err := client.UploadStream(ctx, pr, opts)
		pr.CloseWithError(err)
		u.done <- err
	}()

	return u, nil
}

type blobUpload struct {
	name   string
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	abortOnce sync.Once
}

func (u *blobUpload) Write(p []byte) (int, error) {
	n, err := u.pw.Write(p)
	if err != nil {
		return n, storeError(err)
	}
	return n, nil
}

func (u *blobUpload) Finalize() (string, error) {
	if err := u.pw.Close(); err != nil {
		return "", storeError(err)
	}
	if err := <-u.done; err != nil {
		return "", storeError(err)
	}
	u.cancel()
	return u.name, nil
}

// Abort stops the stream before the block list is committed. Uncommitted
// blocks are garbage collected by the service.
func (u *blobUpload) Abort() {
	u.abortOnce.Do(func() {
		_ = u.pw.CloseWithError(store.ErrAborted)
		u.cancel()
	})
}

// storeError keeps the storage service error code as the error code.
func storeError(err error) error {
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, store.ErrAborted) || errors.Is(err, context.Canceled) {
		return store.NewError("", store.ErrAborted)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return store.NewError(respErr.ErrorCode, err)
	}
	return store.NewError("", err)
}
