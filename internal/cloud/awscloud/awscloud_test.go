package awscloud_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/upload-relay/internal/cloud/awscloud"
	"github.com/osbuild/upload-relay/internal/store"
)

type s3mock struct {
	t   *testing.T
	err error

	mu     sync.Mutex
	bodies map[string][]byte
	input  *s3.PutObjectInput
}

func (m *s3mock) PutObject(ctx context.Context, input *s3.PutObjectInput, optfns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	require.NoError(m.t, err)
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[*input.Key] = data
	m.input = input
	return &s3.PutObjectOutput{}, nil
}

type s3upldrmock struct {
	t   *testing.T
	err error

	mu       sync.Mutex
	bodies   map[string][]byte
	uploader manager.Uploader
}

func (m *s3upldrmock) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	m.mu.Lock()
	for _, o := range opts {
		o(&m.uploader)
	}
	m.mu.Unlock()

	buf := make([]byte, 3)
	var data []byte
	for {
		n, err := input.Body.Read(buf)
		data = append(data, buf[:n]...)
		if m.err != nil && len(data) > 0 {
			return nil, m.err
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[*input.Key] = data
	return &manager.UploadOutput{Key: input.Key}, nil
}

func newMocks(t *testing.T) (*s3mock, *s3upldrmock) {
	return &s3mock{t: t, bodies: map[string][]byte{}}, &s3upldrmock{t: t, bodies: map[string][]byte{}}
}

func TestSingleShotPutObject(t *testing.T) {
	s3m, upm := newMocks(t)
	aws := awscloud.NewForTest(s3m, upm, "bucket", 0)
	require.Equal(t, "bucket", aws.Bucket())

	sink, err := aws.OpenWrite(context.Background(), store.WriteRequest{
		Path:        "dir/file.txt",
		ContentType: "text/plain",
		Size:        11,
	})
	require.NoError(t, err)

	_, err = sink.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = sink.Write([]byte("world"))
	require.NoError(t, err)

	name, err := sink.Finalize()
	require.NoError(t, err)
	require.Equal(t, "dir/file.txt", name)
	require.Equal(t, "hello world", string(s3m.bodies["dir/file.txt"]))
	require.Equal(t, int64(11), *s3m.input.ContentLength)
	require.Equal(t, "text/plain", *s3m.input.ContentType)
	require.Empty(t, upm.bodies)
}

func TestResumableMultipart(t *testing.T) {
	s3m, upm := newMocks(t)
	aws := awscloud.NewForTest(s3m, upm, "bucket", 8*1024*1024)

	sink, err := aws.OpenWrite(context.Background(), store.WriteRequest{
		Path:      "big.bin",
		Resumable: true,
		Size:      -1,
	})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = sink.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	_, err = sink.Finalize()
	require.NoError(t, err)

	require.Len(t, upm.bodies["big.bin"], 100)
	require.Equal(t, int64(8*1024*1024), upm.uploader.PartSize)
	require.Equal(t, 1, upm.uploader.Concurrency)
	require.Empty(t, s3m.bodies)
}

func TestUploadFailureCode(t *testing.T) {
	s3m, upm := newMocks(t)
	upm.err = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	aws := awscloud.NewForTest(s3m, upm, "bucket", 0)

	sink, err := aws.OpenWrite(context.Background(), store.WriteRequest{Path: "x", Resumable: true, Size: -1})
	require.NoError(t, err)

	var werr error
	for i := 0; i < 10 && werr == nil; i++ {
		_, werr = sink.Write([]byte("data"))
	}
	var se *store.Error
	require.ErrorAs(t, werr, &se)
	require.Equal(t, "AccessDenied", se.Code)
	sink.Abort()
}

func TestAbort(t *testing.T) {
	s3m, upm := newMocks(t)
	aws := awscloud.NewForTest(s3m, upm, "bucket", 0)

	sink, err := aws.OpenWrite(context.Background(), store.WriteRequest{Path: "x", Resumable: true, Size: -1})
	require.NoError(t, err)
	_, err = sink.Write([]byte("partial"))
	require.NoError(t, err)

	sink.Abort()
	sink.Abort()

	_, err = sink.Finalize()
	require.ErrorIs(t, err, store.ErrAborted)
	require.Empty(t, upm.bodies)
}

func TestStoreError(t *testing.T) {
	var se *store.Error
	require.ErrorAs(t, awscloud.StoreError(&smithy.GenericAPIError{Code: "NoSuchBucket"}), &se)
	require.Equal(t, "NoSuchBucket", se.Code)

	require.ErrorAs(t, awscloud.StoreError(errors.New("dial tcp: refused")), &se)
	require.Equal(t, "", se.Code)
}

func TestBackendCredentials(t *testing.T) {
	b := &awscloud.Backend{Region: "us-east-1"}
	require.Equal(t, awscloud.CredentialKind, b.CredentialKind())

	_, err := b.Connect(context.Background(), "bucket", []byte(`{"type":"aws_access_key"}`))
	var se *store.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, "InvalidCredentials", se.Code)

	st, err := b.Connect(context.Background(), "bucket", []byte(`{"type":"aws_access_key","access_key_id":"id","secret_access_key":"secret"}`))
	require.NoError(t, err)
	require.Equal(t, "bucket", st.Bucket())
	require.NoError(t, st.Close())
}
