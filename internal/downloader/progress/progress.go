package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/dustin/go-humanize"
)

const (
	defaultReportInterval = int64(100 * 1024 * 1024) // 100MB
	percentStep           = 10
)

// Sink receives the number of bytes moved by each chunk of a transfer.
type Sink interface {
	OnBytes(n int64)
}

// Sizer is implemented by sinks that want to know the expected total once a driver learns it.
type Sizer interface {
	SetTotal(total int64)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(n int64)

func (f SinkFunc) OnBytes(n int64) { f(n) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(int64) {})

// SetTotal forwards total to sink when it implements Sizer.
func SetTotal(sink Sink, total int64) {
	if s, ok := sink.(Sizer); ok {
		s.SetTotal(total)
	}
}

// Reader wraps an io.Reader and reports every chunk read to a Sink.
type Reader struct {
	Reader io.Reader
	Sink   Sink
}

func NewReader(r io.Reader, sink Sink) *Reader {
	if sink == nil {
		sink = Discard
	}

	return &Reader{Reader: r, Sink: sink}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.Sink.OnBytes(int64(n))
	}

	return n, err
}

// Reporter is a Sink that logs unit-scaled progress for one file every reportInterval
// bytes and every time another 10% of a known total is crossed.
type Reporter struct {
	logger         *slog.Logger
	name           string
	reportInterval int64

	mu          sync.Mutex
	total       int64
	written     int64
	lastReport  int64
	lastPercent int64
}

func NewReporter(ctx context.Context, name string, total int64) *Reporter {
	return &Reporter{
		logger:         logctx.LoggerFromContext(ctx),
		name:           name,
		total:          total,
		reportInterval: defaultReportInterval,
	}
}

// WithInterval overrides the byte interval between two progress records.
func (r *Reporter) WithInterval(interval int64) *Reporter {
	r.reportInterval = interval

	return r
}

func (r *Reporter) SetTotal(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total = total
}

func (r *Reporter) OnBytes(n int64) {
	if n <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.written += n
	r.lastReport += n

	percent := int64(0)
	if r.total > 0 {
		percent = r.written * 100 / r.total
	}

	if r.lastReport >= r.reportInterval || percent-r.lastPercent >= percentStep {
		r.log()
		r.lastReport = 0
		r.lastPercent = percent - percent%percentStep
	}
}

// Written returns the bytes reported so far.
func (r *Reporter) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.written
}

// Done logs the final byte count.
func (r *Reporter) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log()
}

func (r *Reporter) log() {
	if r.total > 0 {
		r.logger.Debug("download progress",
			"file_name", r.name,
			"downloaded", humanize.Bytes(uint64(r.written)),
			"total", humanize.Bytes(uint64(r.total)),
			"percent", humanize.FtoaWithDigits(float64(r.written)*100/float64(r.total), 2))

		return
	}

	r.logger.Debug("download progress", "file_name", r.name, "downloaded", humanize.Bytes(uint64(r.written)))
}
