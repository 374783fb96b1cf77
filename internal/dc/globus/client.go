// Package globus downloads archive files through the accelerated HTTPS endpoint that
// mirrors the FTP tree.
package globus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"go.bug.st/downloader/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const defaultPollInterval = 500 * time.Millisecond

// Config configures the accelerated-network driver.
type Config struct {
	FTPPrefix string
	BaseURL   string
	// InactivityTimeout aborts a transfer that moved no bytes for that long. Zero disables it.
	InactivityTimeout time.Duration
	PollInterval      time.Duration
}

// Client is a transfer.Client that streams files over HTTPS. A shorter local file is
// continued with a range request when the server supports it.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client. A nil httpClient gets an instrumented default.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Client{cfg: cfg, httpClient: httpClient}
}

var (
	_ transfer.Client  = (*Client)(nil)
	_ transfer.Resumer = (*Client)(nil)
)

func (c *Client) Protocol() transfer.Protocol {
	return transfer.Globus
}

func (c *Client) Resumable() bool {
	return true
}

// RewriteURL maps a canonical FTP locator onto the HTTPS endpoint by prefix substitution.
func (c *Client) RewriteURL(source string) (string, error) {
	if strings.HasPrefix(source, c.cfg.FTPPrefix) {
		return c.cfg.BaseURL + strings.TrimPrefix(source, c.cfg.FTPPrefix), nil
	}

	if strings.HasPrefix(source, c.cfg.BaseURL) {
		return source, nil
	}

	return "", &transfer.TerminalError{
		Operation: "globus_rewrite",
		Reason:    "locator outside " + c.cfg.FTPPrefix,
		Err:       &transfer.MalformedLocatorError{Locator: source},
	}
}

var (
	// errStalled marks a transfer that moved no bytes for the inactivity timeout.
	errStalled = errors.New("transfer stalled")

	errRangeIgnored = errors.New("server ignored the range request")
)

// remoteFile is what a HEAD request tells about the file.
type remoteFile struct {
	size   int64
	ranges bool
}

// Fetch downloads one file. A local file of the remote size is complete and moves nothing.
// A shorter one is continued when the server accepts ranges and restarted otherwise.
// Failures are not retried here.
func (c *Client) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_name", task.Descriptor.FileName, "protocol", "globus")

	stats := transfer.Stats{Attempts: 1}

	target, err := c.RewriteURL(task.Source)
	if err != nil {
		return stats, err
	}

	remote, err := c.head(ctx, target)
	if err != nil {
		return stats, err
	}

	offset, err := prepareDestination(task.Destination, remote)
	if err != nil {
		return stats, err
	}

	if remote.size >= 0 && offset == remote.size {
		logger.DebugContext(ctx, "file already complete", "size", offset)
		return stats, nil
	}

	progress.SetTotal(sink, remote.size)

	if offset > 0 {
		logger.DebugContext(ctx, "continuing partial download", "offset", offset, "size", remote.size)
	}

	stats.Bytes, err = c.download(ctx, target, task.Destination, sink)
	if errors.Is(err, errRangeIgnored) {
		logger.WarnContext(ctx, "restarting download", "offset", offset, "err", err)

		if err := os.Remove(task.Destination); err != nil {
			return stats, &transfer.TerminalError{Operation: "globus_get", Reason: "cannot remove partial file", Err: err}
		}

		stats.Bytes, err = c.download(ctx, target, task.Destination, sink)
	}

	if err != nil {
		return stats, err
	}

	if remote.size >= 0 {
		info, statErr := os.Stat(task.Destination)
		if statErr != nil || info.Size() != remote.size {
			return stats, &transfer.TransientError{Operation: "globus_get", Err: fmt.Errorf("incomplete download of %s", target)}
		}
	}

	logger.DebugContext(ctx, "globus transfer finished", "bytes", stats.Bytes)

	return stats, nil
}

func (c *Client) head(ctx context.Context, target string) (remoteFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return remoteFile{}, &transfer.TerminalError{
			Operation: "globus_head",
			Reason:    "invalid URL",
			Err:       &transfer.MalformedLocatorError{Locator: target},
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return remoteFile{}, ctx.Err()
		}

		return remoteFile{}, wrapRequestError(err)
	}
	_ = resp.Body.Close()

	if err := acceptStatus(resp); err != nil {
		return remoteFile{}, err
	}

	return remoteFile{size: resp.ContentLength, ranges: resp.Header.Get("Accept-Ranges") == "bytes"}, nil
}

// prepareDestination returns the offset to continue from. A partial file that cannot be
// continued is removed.
func prepareDestination(dest string, remote remoteFile) (int64, error) {
	info, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, &transfer.TerminalError{Operation: "globus_get", Reason: "cannot stat destination", Err: err}
	}

	offset := info.Size()
	if offset == 0 || offset == remote.size {
		return offset, nil
	}

	if remote.ranges && (remote.size < 0 || offset < remote.size) {
		return offset, nil
	}

	if err := os.Remove(dest); err != nil {
		return 0, &transfer.TerminalError{Operation: "globus_get", Reason: "cannot remove partial file", Err: err}
	}

	return 0, nil
}

// download runs one streamed GET, continuing an existing file with a range request.
func (c *Client) download(ctx context.Context, target, dest string, sink progress.Sink) (int64, error) {
	dlCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	d, err := downloader.DownloadWithConfigAndContext(dlCtx, dest, target, downloader.Config{HttpClient: *c.httpClient})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, wrapRequestError(err)
	}

	start := d.Completed()

	switch {
	case start > 0 && d.Resp.StatusCode == http.StatusOK:
		_ = d.Close()

		return 0, &transfer.TransientError{Operation: "globus_get", Err: errRangeIgnored}
	case d.Resp.StatusCode < 200 || d.Resp.StatusCode > 299:
		_ = d.Close()

		return 0, statusError(d.Resp.StatusCode, d.Resp.Status)
	}

	last, lastChange := start, time.Now()

	err = d.RunAndPoll(func(current int64) {
		if current > last {
			sink.OnBytes(current - last)
			last, lastChange = current, time.Now()

			return
		}

		if c.cfg.InactivityTimeout > 0 && time.Since(lastChange) > c.cfg.InactivityTimeout {
			cancel(errStalled)
		}
	}, c.cfg.PollInterval)

	n := d.Completed() - start

	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		if errors.Is(context.Cause(dlCtx), errStalled) {
			err = fmt.Errorf("%w: no data for %s", errStalled, c.cfg.InactivityTimeout)
		}

		return n, &transfer.TransientError{Operation: "globus_get", Err: err}
	}

	return n, nil
}

func acceptStatus(head *http.Response) error {
	if head.StatusCode >= 200 && head.StatusCode <= 299 {
		return nil
	}

	return statusError(head.StatusCode, head.Status)
}

func statusError(code int, status string) error {
	netErr := &transfer.NetworkError{Operation: "globus_get", StatusCode: code, APIMessage: status}

	if code == http.StatusNotFound {
		return &transfer.TerminalError{Operation: "globus_get", Reason: "file not found", Err: fmt.Errorf("%w: %w", transfer.ErrNotFound, netErr)}
	}

	return netErr
}

func wrapRequestError(err error) error {
	var (
		terminal *transfer.TerminalError
		netErr   *transfer.NetworkError
	)

	if errors.As(err, &terminal) || errors.As(err, &netErr) {
		return err
	}

	if transfer.IsRetryable(err) {
		return &transfer.TransientError{Operation: "globus_get", Err: err}
	}

	return &transfer.NetworkError{Operation: "globus_get", APIMessage: err.Error(), Err: err}
}
