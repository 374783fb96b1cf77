// Package local copies archive files from a mounted copy of the archive tree, where a
// project's files live under <input>/<yyyy>/<mm>/<accession>/submitted/.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

var pathFragment = regexp.MustCompile(`\d{4}/\d{2}/PXD\d+`)

// Config configures the local copy driver.
type Config struct {
	InputDir string
}

// Client is a transfer.Client that copies files from the local archive mirror.
type Client struct {
	cfg Config
}

// NewClient creates a local copy client.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

var (
	_ transfer.Client   = (*Client)(nil)
	_ transfer.Preparer = (*Client)(nil)
)

func (c *Client) Protocol() transfer.Protocol {
	return transfer.Local
}

// Prepare checks that the input folder is a directory.
func (c *Client) Prepare(context.Context) error {
	info, err := os.Stat(c.cfg.InputDir)
	if err != nil {
		return &transfer.ConfigurationError{Setting: "input_folder", Reason: "cannot read " + c.cfg.InputDir, Err: err}
	}

	if !info.IsDir() {
		return &transfer.ConfigurationError{Setting: "input_folder", Reason: c.cfg.InputDir + " is not a directory"}
	}

	return nil
}

// SourcePath maps an archive locator such as
// ftp://ftp.pride.ebi.ac.uk/pride/data/archive/2018/10/PXD008644/7550GI_Y.raw onto
// <input>/2018/10/PXD008644/submitted/7550GI_Y.raw.
func (c *Client) SourcePath(locator string) (string, error) {
	fragment := pathFragment.FindString(locator)
	if fragment == "" {
		return "", &transfer.TerminalError{
			Operation: "local_resolve",
			Reason:    "no yyyy/mm/accession path in locator",
			Err:       &transfer.MalformedLocatorError{Locator: locator},
		}
	}

	return filepath.Join(c.cfg.InputDir, filepath.FromSlash(fragment), "submitted", path.Base(locator)), nil
}

// Fetch copies one file and keeps its modification time. Local failures are not retried.
func (c *Client) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	stats := transfer.Stats{Attempts: 1}

	src, err := c.SourcePath(task.Source)
	if err != nil {
		return stats, err
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, &transfer.TerminalError{Operation: "local_copy", Reason: "file not found", Err: fmt.Errorf("%w: %w", transfer.ErrNotFound, err)}
		}

		return stats, &transfer.TerminalError{Operation: "local_copy", Reason: "cannot open source", Err: err}
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return stats, &transfer.TerminalError{Operation: "local_copy", Reason: "cannot stat source", Err: err}
	}

	progress.SetTotal(sink, info.Size())

	out, err := os.Create(task.Destination)
	if err != nil {
		return stats, &transfer.TerminalError{Operation: "local_copy", Reason: "cannot create destination", Err: err}
	}
	defer out.Close()

	stats.Bytes, err = io.Copy(out, progress.NewReader(contextReader{ctx: ctx, r: in}, sink))
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		return stats, &transfer.TerminalError{Operation: "local_copy", Reason: "copy failed", Err: err}
	}

	if err := out.Close(); err != nil {
		return stats, &transfer.TerminalError{Operation: "local_copy", Reason: "cannot write destination", Err: err}
	}

	if err := os.Chtimes(task.Destination, info.ModTime(), info.ModTime()); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to keep modification time", "target", task.Destination, "err", err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "file copied", "source", src, "bytes", stats.Bytes)

	return stats, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.r.Read(p)
}
