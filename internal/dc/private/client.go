// Package private downloads files of private datasets over authenticated HTTP, continuing
// partially written files with range requests.
package private

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/retry"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const maxErrorBody = 1 << 10

// Config configures the private download driver.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Client is a resumable transfer.Client. The HTTP client is expected to carry the bearer
// token, e.g. one built by pride.Client.BearerClient.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a private download client.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	return &Client{cfg: cfg, httpClient: httpClient}
}

var (
	_ transfer.Client  = (*Client)(nil)
	_ transfer.Resumer = (*Client)(nil)
)

func (c *Client) Protocol() transfer.Protocol {
	return transfer.HTTPS
}

func (c *Client) Resumable() bool {
	return true
}

// Fetch downloads task.Source to task.Destination, appending to an existing partial file.
func (c *Client) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_name", task.Descriptor.FileName, "protocol", "https")

	if err := os.MkdirAll(filepath.Dir(task.Destination), 0o755); err != nil {
		return transfer.Stats{}, &transfer.TerminalError{Operation: "private_get", Reason: "cannot create directory", Err: err}
	}

	var stats transfer.Stats

	attempts, err := retry.Do(ctx, retry.ExponentialPolicy(c.cfg.MaxAttempts, c.cfg.BaseDelay), nil,
		func(ctx context.Context) error {
			n, err := c.fetchOnce(ctx, task, sink)
			stats.Bytes += n

			return err
		},
		retry.WithObserver(func(attempt int, err error, delay time.Duration) {
			logger.WarnContext(ctx, "private download failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}),
	)
	stats.Attempts = attempts

	if err != nil {
		return stats, err
	}

	logger.DebugContext(ctx, "private download finished", "bytes", stats.Bytes, "attempts", attempts)

	return stats, nil
}

func (c *Client) fetchOnce(ctx context.Context, task *transfer.Task, sink progress.Sink) (int64, error) {
	var offset int64
	if info, err := os.Stat(task.Destination); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.Source, nil)
	if err != nil {
		return 0, &transfer.TerminalError{Operation: "private_get", Reason: "invalid download url", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, &transfer.TransientError{Operation: "private_get", Err: err}
	}
	defer resp.Body.Close()

	var flags int

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return 0, &transfer.TransientError{Operation: "private_get", Err: fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset)}
		}

		progress.SetTotal(sink, total)
		sink.OnBytes(offset)

		flags = os.O_WRONLY | os.O_APPEND
	case http.StatusOK:
		progress.SetTotal(sink, resp.ContentLength)

		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		// The local file already holds every byte.
		return 0, nil
	default:
		return 0, statusError(resp)
	}

	f, err := os.OpenFile(task.Destination, flags, 0o644)
	if err != nil {
		return 0, &transfer.TerminalError{Operation: "private_get", Reason: "cannot open destination", Err: err}
	}
	defer f.Close()

	n, err := io.Copy(f, progress.NewReader(resp.Body, sink))
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return n, &transfer.TerminalError{Operation: "private_get", Reason: "cannot write destination", Err: err}
		}

		return n, &transfer.TransientError{Operation: "private_get", Err: err}
	}

	if err := f.Close(); err != nil {
		return n, &transfer.TerminalError{Operation: "private_get", Reason: "cannot write destination", Err: err}
	}

	return n, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	netErr := &transfer.NetworkError{
		Operation:  "private_get",
		StatusCode: resp.StatusCode,
		APIMessage: strings.TrimSpace(string(body)),
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &transfer.TerminalError{Operation: "private_get", Reason: "not authorized", Err: &transfer.AuthenticationError{Operation: "private_get", Err: netErr}}
	case http.StatusNotFound:
		return &transfer.TerminalError{Operation: "private_get", Reason: "file not found", Err: fmt.Errorf("%w: %w", transfer.ErrNotFound, netErr)}
	}

	return netErr
}

// parseContentRange parses "bytes start-end/total". total is -1 when "*".
func parseContentRange(h string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(h, "bytes ")
	if !found {
		return 0, 0, false
	}

	rng, size, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, false
		}
	}

	return start, total, true
}
