package awscloud

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/store"
)

// CredentialKind is the "type" of the credential blobs accepted by Backend.
const CredentialKind = "aws_access_key"

type AWS struct {
	s3         S3
	s3uploader S3Manager
	bucket     string
	partSize   int64
}

func newForTest(s3cli S3, upldr S3Manager, bucket string, partSize int64) *AWS {
	return &AWS{
		s3:         s3cli,
		s3uploader: upldr,
		bucket:     bucket,
		partSize:   partSize,
	}
}

// Create a new session from the credentials and the region and returns an *AWS object initialized with it.
func newAwsFromCredsWithEndpoint(ctx context.Context, creds config.LoadOptionsFunc, region, endpoint, caBundle string, skipSSLVerification bool) (*AWS, error) {
	// Create a Session with a custom region
	v2OptionFuncs := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		creds,
	}

	if caBundle != "" {
		caBundleReader, err := os.Open(caBundle)
		if err != nil {
			return nil, err
		}
		defer caBundleReader.Close()
		v2OptionFuncs = append(v2OptionFuncs, config.WithCustomCABundle(caBundleReader))
	}

	if skipSSLVerification {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		v2OptionFuncs = append(v2OptionFuncs, config.WithHTTPClient(&http.Client{
			Transport: transport,
		}))
	}

	cfg, err := config.LoadDefaultConfig(
		ctx,
		v2OptionFuncs...,
	)
	if err != nil {
		return nil, err
	}

	s3cli := s3.NewFromConfig(cfg, func(options *s3.Options) {
		if endpoint != "" {
			options.BaseEndpoint = aws.String(endpoint)
			options.UsePathStyle = true
		}
	})

	return &AWS{
		s3:         s3cli,
		s3uploader: manager.NewUploader(s3cli),
	}, nil
}

// Initialize a new AWS object targeting a specific endpoint from individual bits. SessionToken is optional
func NewForEndpoint(ctx context.Context, endpoint, region, accessKeyID, accessKey, sessionToken, caBundle string, skipSSLVerification bool) (*AWS, error) {
	return newAwsFromCredsWithEndpoint(ctx, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, accessKey, sessionToken)), region, endpoint, caBundle, skipSSLVerification)
}

// AccessKey is the credential blob accepted by Backend.
type AccessKey struct {
	Type            string `json:"type"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	Region          string `json:"region,omitempty"`
}

// Backend connects to S3 compatible buckets with the access key supplied by
// each request.
type Backend struct {
	Endpoint            string
	Region              string
	CABundle            string
	SkipSSLVerification bool

	// PartSize is the size of each part of a resumable (multipart) upload.
	PartSize int64
}

func (b *Backend) CredentialKind() string {
	return CredentialKind
}

func (b *Backend) Connect(ctx context.Context, bucket string, blob []byte) (store.Store, error) {
	var key AccessKey
	if err := json.Unmarshal(blob, &key); err != nil {
		return nil, store.NewError("InvalidCredentials", err)
	}
	if key.AccessKeyID == "" || key.SecretAccessKey == "" {
		return nil, store.NewError("InvalidCredentials", errors.New("access_key_id and secret_access_key are required"))
	}

	region := key.Region
	if region == "" {
		region = b.Region
	}

	a, err := NewForEndpoint(ctx, b.Endpoint, region, key.AccessKeyID, key.SecretAccessKey, key.SessionToken, b.CABundle, b.SkipSSLVerification)
	if err != nil {
		return nil, fmt.Errorf("cannot create S3 client: %w", err)
	}
	a.bucket = bucket
	a.partSize = b.PartSize
	return a, nil
}

func (a *AWS) Bucket() string {
	return a.bucket
}

func (a *AWS) Close() error {
	return nil
}

// OpenWrite starts an upload whose body is fed by the returned sink. A
// single-shot write is one PutObject request with a known length, a
// resumable write is a multipart upload with one part in flight.
func (a *AWS) OpenWrite(ctx context.Context, req store.WriteRequest) (store.Sink, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(req.Path),
		Body:        pr,
		ContentType: aws.String(req.ContentType),
	}

	u := &objectUpload{
		key:    req.Path,
		pw:     pw,
		cancel: cancel,
		done:   make(chan error, 1),
	}

	go func() {
		var err error
		if req.Resumable {
			logrus.Debugf("[AWS] Starting multipart upload to S3: %s/%s", a.bucket, req.Path)
			_, err = a.s3uploader.Upload(ctx, input, func(u *manager.Uploader) {
				if a.partSize > 0 {
					u.PartSize = a.partSize
				}
				u.Concurrency = 1
			})
		} else {
			input.ContentLength = aws.Int64(req.Size)
			_, err = a.s3.PutObject(ctx, input, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
		}
		// unblock a writer waiting on the pipe
		pr.CloseWithError(err)
		u.done <- err
	}()

	return u, nil
}

type objectUpload struct {
	key    string
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error

	abortOnce sync.Once
}

func (u *objectUpload) Write(p []byte) (int, error) {
	n, err := u.pw.Write(p)
	if err != nil {
		return n, storeError(err)
	}
	return n, nil
}

// Finalize signals the end of the body and waits for S3 to acknowledge the
// object.
func (u *objectUpload) Finalize() (string, error) {
	if err := u.pw.Close(); err != nil {
		return "", storeError(err)
	}
	if err := <-u.done; err != nil {
		return "", storeError(err)
	}
	u.cancel()
	return u.key, nil
}

// Abort fails the body stream and cancels the request. The upload manager
// aborts the multipart upload so no parts are left behind.
func (u *objectUpload) Abort() {
	u.abortOnce.Do(func() {
		_ = u.pw.CloseWithError(store.ErrAborted)
		u.cancel()
	})
}

// storeError keeps the S3 error code as the error code.
func storeError(err error) error {
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, store.ErrAborted) || errors.Is(err, context.Canceled) {
		return store.NewError("", store.ErrAborted)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return store.NewError(apiErr.ErrorCode(), err)
	}
	return store.NewError("", err)
}
