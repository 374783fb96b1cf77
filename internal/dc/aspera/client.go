// Package aspera downloads files by running the bundled ascp managed-transfer binary,
// one process per file.
package aspera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const maxStderrTail = 2 << 10

// Runner runs an external command to completion and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	return out.Bytes(), err
}

// Platform is an OS/architecture pair in GOOS/GOARCH terms.
type Platform struct {
	OS   string
	Arch string
}

// CurrentPlatform returns the platform the process runs on.
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// BinaryPath returns the ascp binary for p under dir.
func BinaryPath(dir string, p Platform) (string, error) {
	var sub, name string

	switch {
	case p.OS == "linux" && p.Arch == "386":
		sub, name = "linux-32", "ascp"
	case p.OS == "linux" && p.Arch == "amd64":
		sub, name = "linux-64", "ascp"
	case p.OS == "darwin":
		sub, name = "mac-intel", "ascp"
	case p.OS == "windows" && p.Arch == "386":
		sub, name = "windows-32", "ascp.exe"
	case p.OS == "windows" && p.Arch == "amd64":
		sub, name = "windows-64", "ascp.exe"
	default:
		return "", &transfer.ConfigurationError{
			Setting: "platform",
			Reason:  fmt.Sprintf("no ascp binary for %s/%s", p.OS, p.Arch),
			Err:     transfer.ErrUnsupportedPlatform,
		}
	}

	return filepath.Join(dir, sub, name), nil
}

// Config configures the Aspera driver.
type Config struct {
	Dir          string
	KeyPath      string
	Port         int
	MaxBandwidth string
	Platform     Platform
}

// Client is a transfer.Client that shells out to ascp.
type Client struct {
	cfg    Config
	runner Runner
	binary string
}

// NewClient creates an Aspera client. A zero cfg.Platform means the current platform.
func NewClient(cfg Config, runner Runner) *Client {
	if cfg.Platform == (Platform{}) {
		cfg.Platform = CurrentPlatform()
	}

	if runner == nil {
		runner = ExecRunner{}
	}

	return &Client{cfg: cfg, runner: runner}
}

var (
	_ transfer.Client   = (*Client)(nil)
	_ transfer.Preparer = (*Client)(nil)
)

func (c *Client) Protocol() transfer.Protocol {
	return transfer.Aspera
}

// WithMaxBandwidth returns a copy of the client using bw for the -l option.
func (c *Client) WithMaxBandwidth(bw string) *Client {
	if bw == "" {
		return c
	}

	clone := *c
	clone.cfg.MaxBandwidth = bw

	return &clone
}

// Prepare selects the binary for the platform and checks the binary and key are present.
func (c *Client) Prepare(ctx context.Context) error {
	binary, err := BinaryPath(c.cfg.Dir, c.cfg.Platform)
	if err != nil {
		return err
	}

	if _, err := os.Stat(binary); err != nil {
		return &transfer.ConfigurationError{Setting: "aspera_dir", Reason: "ascp binary not found at " + binary, Err: err}
	}

	if _, err := os.Stat(c.cfg.KeyPath); err != nil {
		return &transfer.ConfigurationError{Setting: "aspera_key_path", Reason: "key not found at " + c.cfg.KeyPath, Err: err}
	}

	c.binary = binary

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "aspera binary selected", "binary", binary, "os", c.cfg.Platform.OS, "arch", c.cfg.Platform.Arch)

	return nil
}

// Args returns the ascp argument list for one file.
func (c *Client) Args(source, dest string) []string {
	return []string{
		"-QT",
		"-P", strconv.Itoa(c.cfg.Port),
		"-l", c.cfg.MaxBandwidth,
		"-i", c.cfg.KeyPath,
		source,
		dest,
	}
}

// Fetch runs one ascp process for the task. A failed process fails only this file.
func (c *Client) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_name", task.Descriptor.FileName, "protocol", "aspera")

	if c.binary == "" {
		if err := c.Prepare(ctx); err != nil {
			return transfer.Stats{}, err
		}
	}

	progress.SetTotal(sink, task.ExpectedSize)

	stats := transfer.Stats{Attempts: 1}

	out, err := c.runner.Run(ctx, c.binary, c.Args(task.Source, task.Destination)...)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		tail := tailOf(out)
		logger.ErrorContext(ctx, "ascp failed", "err", err, "output", tail)

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stats, &transfer.TerminalError{
				Operation: "ascp",
				Reason:    fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), tail),
				Err:       err,
			}
		}

		return stats, &transfer.TerminalError{Operation: "ascp", Reason: "could not run ascp", Err: err}
	}

	info, err := os.Stat(task.Destination)
	if err != nil {
		return stats, &transfer.TerminalError{Operation: "ascp", Reason: "destination missing after transfer", Err: err}
	}

	stats.Bytes = info.Size()
	sink.OnBytes(stats.Bytes)

	logger.DebugContext(ctx, "ascp transfer finished", "bytes", stats.Bytes)

	return stats, nil
}

func tailOf(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}

	return s
}
