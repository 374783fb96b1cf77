// Package ftp downloads files over anonymous passive-mode FTP, keeping one control
// connection per host for the whole batch.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/retry"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const defaultPort = "21"

// Conn is the subset of an FTP control connection the driver uses.
type Conn interface {
	FileSize(path string) (int64, error)
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

// Dialer opens and logs into a control connection for addr (host:port).
type Dialer func(ctx context.Context, addr string) (Conn, error)

// Config configures the FTP driver.
type Config struct {
	Timeout            time.Duration
	MaxFileAttempts    int
	FileRetryDelay     time.Duration
	MaxConnectAttempts int
	ConnectRetryDelay  time.Duration
}

// Client is a transfer.Session over FTP. It is driven sequentially.
type Client struct {
	cfg  Config
	dial Dialer

	mu    sync.Mutex
	conns map[string]Conn
}

// NewClient creates an FTP client that dials real servers.
func NewClient(cfg Config) *Client {
	return NewClientWithDialer(cfg, anonymousDialer(cfg.Timeout))
}

// NewClientWithDialer creates an FTP client with a custom dialer.
func NewClientWithDialer(cfg Config, dial Dialer) *Client {
	return &Client{
		cfg:   cfg,
		dial:  dial,
		conns: make(map[string]Conn),
	}
}

var _ transfer.Session = (*Client)(nil)

func (c *Client) Protocol() transfer.Protocol {
	return transfer.FTP
}

// Fetch retrieves task.Source into a freshly created task.Destination.
func (c *Client) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_name", task.Descriptor.FileName, "protocol", "ftp")

	u, err := url.Parse(task.Source)
	if err != nil || u.Host == "" {
		return transfer.Stats{}, &transfer.TerminalError{
			Operation: "ftp_fetch",
			Reason:    "not an ftp url",
			Err:       &transfer.MalformedLocatorError{Locator: task.Source},
		}
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	var stats transfer.Stats

	attempts, err := retry.Do(ctx, retry.ExponentialPolicy(c.cfg.MaxFileAttempts, c.cfg.FileRetryDelay), classifyFileError,
		func(ctx context.Context) error {
			n, err := c.fetchOnce(ctx, addr, u.Path, task.Destination, sink)
			stats.Bytes = n

			return err
		},
		retry.WithObserver(func(attempt int, err error, delay time.Duration) {
			logger.WarnContext(ctx, "ftp transfer failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}),
	)
	stats.Attempts = attempts

	if err != nil {
		return stats, err
	}

	logger.DebugContext(ctx, "ftp transfer finished", "bytes", stats.Bytes, "attempts", attempts)

	return stats, nil
}

// ConnectionErrors are terminal for the file loop; reconnection is retried in conn.
func classifyFileError(err error) retry.Class {
	var connErr *transfer.ConnectionError
	if errors.As(err, &connErr) {
		return retry.Terminal
	}

	return retry.DefaultClassifier(err)
}

func (c *Client) fetchOnce(ctx context.Context, addr, path, dest string, sink progress.Sink) (int64, error) {
	conn, err := c.conn(ctx, addr)
	if err != nil {
		return 0, err
	}

	size, err := conn.FileSize(path)
	if err != nil {
		var protoErr *textproto.Error
		if !errors.As(err, &protoErr) || protoErr.Code == ftp.StatusFileUnavailable {
			return 0, c.classify(addr, "ftp_size", err)
		}

		// SIZE is optional; progress runs without a total.
		size = -1
	}

	progress.SetTotal(sink, size)

	f, err := os.Create(dest)
	if err != nil {
		return 0, &transfer.TerminalError{Operation: "ftp_retr", Reason: "cannot create destination", Err: err}
	}
	defer f.Close()

	resp, err := conn.Retr(path)
	if err != nil {
		return 0, c.classify(addr, "ftp_retr", err)
	}

	stop := context.AfterFunc(ctx, func() { resp.Close() })
	defer stop()

	n, copyErr := io.Copy(f, progress.NewReader(resp, sink))
	closeErr := resp.Close()

	if ctx.Err() != nil {
		c.drop(addr)
		return n, ctx.Err()
	}

	if copyErr != nil {
		var pathErr *os.PathError
		if errors.As(copyErr, &pathErr) {
			c.drop(addr)
			return n, &transfer.TerminalError{Operation: "ftp_retr", Reason: "cannot write destination", Err: copyErr}
		}

		return n, c.classify(addr, "ftp_retr", copyErr)
	}

	if closeErr != nil {
		return n, c.classify(addr, "ftp_retr", closeErr)
	}

	if size >= 0 && n != size {
		return n, &transfer.TransientError{Operation: "ftp_retr", Err: fmt.Errorf("short transfer: got %d of %d bytes", n, size)}
	}

	if err := f.Close(); err != nil {
		return n, &transfer.TerminalError{Operation: "ftp_retr", Reason: "cannot write destination", Err: err}
	}

	return n, nil
}

// classify maps an FTP failure to the transfer error classes. Replies in the 4xx range are
// transient, 550 is a missing file, other 5xx replies are terminal, and anything else means
// the control connection is unusable and is dropped.
func (c *Client) classify(addr, operation string, err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == ftp.StatusFileUnavailable:
			return &transfer.TerminalError{Operation: operation, Reason: "file not found", Err: fmt.Errorf("%w: %s", transfer.ErrNotFound, protoErr.Msg)}
		case protoErr.Code >= 400 && protoErr.Code < 500:
			return &transfer.TransientError{Operation: operation, Err: err}
		default:
			return &transfer.TerminalError{Operation: operation, Reason: protoErr.Msg, Err: err}
		}
	}

	c.drop(addr)

	return &transfer.TransientError{Operation: operation, Err: err}
}

// conn returns the open connection for addr, (re)connecting with fixed-delay retries.
func (c *Client) conn(ctx context.Context, addr string) (Conn, error) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	c.mu.Unlock()

	if ok {
		return conn, nil
	}

	logger := logctx.LoggerFromContext(ctx).With("host", addr)

	_, err := retry.Do(ctx, retry.FixedPolicy(c.cfg.MaxConnectAttempts, c.cfg.ConnectRetryDelay),
		func(error) retry.Class { return retry.Retryable },
		func(ctx context.Context) error {
			var err error

			conn, err = c.dial(ctx, addr)

			return err
		},
		retry.WithObserver(func(attempt int, err error, delay time.Duration) {
			logger.WarnContext(ctx, "ftp connection failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.ErrorContext(ctx, "ftp connection could not be established", "err", err)

		return nil, &transfer.ConnectionError{Host: addr, Err: err}
	}

	c.mu.Lock()
	c.conns[addr] = conn
	c.mu.Unlock()

	logger.DebugContext(ctx, "ftp connection established")

	return conn, nil
}

func (c *Client) drop(addr string) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()

	if ok {
		_ = conn.Quit()
	}
}

// Close quits every open control connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]Conn)
	c.mu.Unlock()

	var errs []error

	for addr, conn := range conns {
		if err := conn.Quit(); err != nil {
			errs = append(errs, fmt.Errorf("failed to quit %s: %w", addr, err))
		}
	}

	return errors.Join(errs...)
}

type serverConn struct {
	c *ftp.ServerConn
}

func (s serverConn) FileSize(path string) (int64, error) {
	return s.c.FileSize(path)
}

func (s serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := s.c.Retr(path)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (s serverConn) Quit() error {
	return s.c.Quit()
}

func anonymousDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		c, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}

		if err := c.Login("anonymous", "anonymous"); err != nil {
			_ = c.Quit()
			return nil, fmt.Errorf("failed to log in to %s: %w", addr, err)
		}

		return serverConn{c: c}, nil
	}
}
