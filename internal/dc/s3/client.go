// Package s3 downloads archive files from the public object store with anonymous requests.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"gocloud.dev/blob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/retry"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

// Bucket is the read side of an object store bucket.
type Bucket interface {
	Size(ctx context.Context, key string) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Config configures the object-store driver.
type Config struct {
	Endpoint    string
	Bucket      string
	Region      string
	KeyPrefix   string
	MaxAttempts int
	BaseDelay   time.Duration
}

// OpenBucket opens the configured bucket with anonymous, path-style requests. The SDK's
// own retries are off so every attempt goes through Fetch's retry policy.
func OpenBucket(ctx context.Context, cfg Config) (*blob.Bucket, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, &transfer.ConfigurationError{Setting: "s3_endpoint", Reason: "cannot load client configuration", Err: err}
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	bkt, err := s3blob.OpenBucket(ctx, client, cfg.Bucket, nil)
	if err != nil {
		return nil, &transfer.ConfigurationError{Setting: "s3_bucket", Reason: "cannot open bucket " + cfg.Bucket, Err: err}
	}

	return bkt, nil
}

// BlobBucket adapts a gocloud bucket to Bucket.
type BlobBucket struct {
	*blob.Bucket
}

func (b BlobBucket) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := b.Attributes(ctx, key)
	if err != nil {
		return 0, err
	}

	return attrs.Size, nil
}

func (b BlobBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.NewReader(ctx, key, nil)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Client is a transfer.Client for the object store.
type Client struct {
	cfg    Config
	bucket Bucket
}

// NewClient creates an object-store client over bucket.
func NewClient(cfg Config, bucket Bucket) *Client {
	return &Client{cfg: cfg, bucket: bucket}
}

var _ transfer.Client = (*Client)(nil)

func (c *Client) Protocol() transfer.Protocol {
	return transfer.S3
}

// Key translates a canonical archive locator into an object key.
func (c *Client) Key(source string) (string, error) {
	if !strings.HasPrefix(source, c.cfg.KeyPrefix) || len(source) == len(c.cfg.KeyPrefix) {
		return "", &transfer.TerminalError{
			Operation: "s3_key",
			Reason:    "locator outside " + c.cfg.KeyPrefix,
			Err:       &transfer.MalformedLocatorError{Locator: source},
		}
	}

	return strings.TrimPrefix(source, c.cfg.KeyPrefix), nil
}

// Fetch downloads the object behind task.Source, retrying throttling and server errors
// with exponential backoff. A missing object is not retried.
func (c *Client) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_name", task.Descriptor.FileName, "protocol", "s3")

	key, err := c.Key(task.Source)
	if err != nil {
		return transfer.Stats{}, err
	}

	var stats transfer.Stats

	attempts, err := retry.Do(ctx, retry.ExponentialPolicy(c.cfg.MaxAttempts, c.cfg.BaseDelay), nil,
		func(ctx context.Context) error {
			n, err := c.fetchOnce(ctx, key, task.Destination, sink)
			stats.Bytes = n

			return err
		},
		retry.WithObserver(func(attempt int, err error, delay time.Duration) {
			logger.WarnContext(ctx, "object download failed, retrying", "key", key, "attempt", attempt, "delay", delay, "err", err)
		}),
	)
	stats.Attempts = attempts

	if err != nil {
		return stats, err
	}

	logger.DebugContext(ctx, "object download finished", "key", key, "bytes", stats.Bytes, "attempts", attempts)

	return stats, nil
}

func (c *Client) fetchOnce(ctx context.Context, key, dest string, sink progress.Sink) (int64, error) {
	size, err := c.bucket.Size(ctx, key)
	if err != nil {
		return 0, classify(ctx, "s3_head", err)
	}

	progress.SetTotal(sink, size)

	r, err := c.bucket.Open(ctx, key)
	if err != nil {
		return 0, classify(ctx, "s3_get", err)
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return 0, &transfer.TerminalError{Operation: "s3_get", Reason: "cannot create destination", Err: err}
	}
	defer f.Close()

	n, err := io.Copy(f, progress.NewReader(r, sink))
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return n, &transfer.TerminalError{Operation: "s3_get", Reason: "cannot write destination", Err: err}
		}

		return n, classify(ctx, "s3_get", err)
	}

	if n != size {
		return n, &transfer.TransientError{Operation: "s3_get", Err: fmt.Errorf("short read: got %d of %d bytes", n, size)}
	}

	if err := f.Close(); err != nil {
		return n, &transfer.TerminalError{Operation: "s3_get", Reason: "cannot write destination", Err: err}
	}

	return n, nil
}

// retryableCodes are S3 error codes for throttling and server-side failures.
var retryableCodes = map[string]bool{
	"SlowDown":            true,
	"Throttling":          true,
	"ThrottlingException": true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
}

func classify(ctx context.Context, operation string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return notFound(operation, err)
	case gcerrors.PermissionDenied:
		return &transfer.TerminalError{Operation: operation, Reason: "permission denied", Err: err}
	case gcerrors.ResourceExhausted, gcerrors.Internal, gcerrors.DeadlineExceeded:
		return &transfer.TransientError{Operation: operation, Err: err}
	}

	if status, code := serviceError(err); status != 0 || code != "" {
		netErr := &transfer.NetworkError{Operation: operation, StatusCode: status, APIMessage: code, Err: err}

		switch {
		case status == http.StatusNotFound:
			return notFound(operation, err)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return &transfer.TerminalError{Operation: operation, Reason: "permission denied", Err: netErr}
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError || retryableCodes[code]:
			return &transfer.TransientError{Operation: operation, Err: netErr}
		}
	}

	if transfer.IsRetryable(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &transfer.TransientError{Operation: operation, Err: err}
	}

	return &transfer.TerminalError{Operation: operation, Reason: "object store error", Err: err}
}

func notFound(operation string, err error) error {
	return &transfer.TerminalError{Operation: operation, Reason: "object not found", Err: fmt.Errorf("%w: %w", transfer.ErrNotFound, err)}
}

// serviceError extracts the HTTP status and the S3 error code from an SDK error.
func serviceError(err error) (status int, code string) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	return status, code
}
