package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/bigbio/pride_downloader/internal/cleanup"
	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/pride"
	"github.com/bigbio/pride_downloader/internal/storage"
	"github.com/bigbio/pride_downloader/internal/telemetry"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const (
	dirPerm      = 0755
	defaultLease = 6 * time.Hour
)

// Catalog is the part of the archive API the downloader reads from.
type Catalog interface {
	FileByName(ctx context.Context, accession, fileName string) ([]transfer.FileDescriptor, error)
	ChecksumManifest(ctx context.Context, accession string) ([]byte, error)
}

// PrivateCatalog is the authenticated part of the archive API.
type PrivateCatalog interface {
	Login(ctx context.Context, username, password string) (string, error)
	ValidateToken(ctx context.Context, token string) error
	PrivateFiles(ctx context.Context, accession, token string) ([]pride.PrivateFile, error)
	BearerClient(ctx context.Context, token string) *http.Client
}

// PrivateDriverFunc builds the private download driver around an authorized HTTP client.
type PrivateDriverFunc func(httpClient *http.Client) transfer.Client

// Options are the per-call download options.
type Options struct {
	OutputDir       string
	Protocol        transfer.Protocol
	SkipExisting    bool
	PrefixAccession bool
	MaxParallel     int
	FetchChecksums  bool
	VerifyChecksums bool
}

// Credentials authenticate private dataset downloads.
type Credentials struct {
	Username string
	Password string
}

type Downloader struct {
	drivers    map[transfer.Protocol]transfer.Client
	catalog    Catalog
	private    PrivateCatalog
	newPrivate PrivateDriverFunc
	ledger     storage.DownloadRepository
	lease      time.Duration
	instanceID string
	telemetry  *telemetry.Telemetry
}

type Option func(*Downloader)

// WithLedger records every attempt in repo. Claims older than lease are taken over.
func WithLedger(repo storage.DownloadRepository, lease time.Duration) Option {
	return func(d *Downloader) {
		d.ledger = repo

		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithPrivate enables private dataset downloads.
func WithPrivate(catalog PrivateCatalog, newDriver PrivateDriverFunc) Option {
	return func(d *Downloader) {
		d.private = catalog
		d.newPrivate = newDriver
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) {
		d.telemetry = tel
	}
}

// NewDownloader creates a downloader dispatching to one driver per protocol.
func NewDownloader(drivers map[transfer.Protocol]transfer.Client, catalog Catalog, opts ...Option) *Downloader {
	d := &Downloader{
		drivers:    drivers,
		catalog:    catalog,
		lease:      defaultLease,
		instanceID: storage.GenerateInstanceID(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// DownloadBatch downloads every descriptor with the driver for opts.Protocol. Per-file
// failures are reported in the outcomes, one per descriptor and in input order. The
// returned error is a setup failure, or the context error when the batch was cancelled.
func (d *Downloader) DownloadBatch(ctx context.Context, descriptors []transfer.FileDescriptor, opts Options) ([]transfer.Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("protocol", opts.Protocol.String())
	ctx = logctx.WithLogger(ctx, logger)

	client, ok := d.drivers[opts.Protocol]
	if !ok {
		return nil, &transfer.ConfigurationError{
			Setting: "protocol",
			Reason:  fmt.Sprintf("no driver for %s", opts.Protocol),
			Err:     transfer.ErrUnsupportedProtocol,
		}
	}

	if err := ensureOutputDir(opts.OutputDir); err != nil {
		return nil, err
	}

	if p, ok := client.(transfer.Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare %s driver: %w", opts.Protocol, err)
		}
	}

	var sums checksums
	if opts.FetchChecksums || opts.VerifyChecksums {
		fetched := d.fetchChecksums(ctx, descriptors, opts.OutputDir)
		if opts.VerifyChecksums {
			sums = fetched
		}
	}

	outcomes := make([]transfer.Outcome, len(descriptors))
	tasks := make([]*transfer.Task, len(descriptors))
	seen := make(map[string]int, len(descriptors))

	for i, desc := range descriptors {
		task, err := transfer.NewTask(desc, opts.Protocol, opts.OutputDir, opts.PrefixAccession)
		if err != nil {
			logger.ErrorContext(ctx, "failed to resolve file", "file_name", desc.FileName, "err", err)

			outcomes[i] = failed(&transfer.Task{Descriptor: desc}, &transfer.TerminalError{Operation: "resolve", Reason: "malformed locator", Err: err})

			continue
		}

		if first, dup := seen[task.Destination]; dup {
			logger.ErrorContext(ctx, "duplicate destination in batch", "file_name", desc.FileName, "target", task.Destination, "first_index", first)

			outcomes[i] = failed(task, fmt.Errorf("%s: %w", task.Destination, transfer.ErrDuplicateDestination))

			continue
		}

		seen[task.Destination] = i
		tasks[i] = task
	}

	return d.run(ctx, client, tasks, outcomes, opts, sums)
}

// DownloadFileByName downloads one named file of a project. With credentials the file is
// fetched through the private dataset flow instead.
func (d *Downloader) DownloadFileByName(ctx context.Context, accession, fileName string, opts Options, creds *Credentials) (transfer.Outcome, error) {
	ctx = logctx.WithAccession(ctx, accession)

	if creds != nil {
		outcomes, err := d.DownloadPrivateFiles(ctx, accession, *creds, []string{fileName}, opts)
		if len(outcomes) == 0 {
			return transfer.Outcome{}, err
		}

		return outcomes[0], err
	}

	files, err := d.catalog.FileByName(ctx, accession, fileName)
	if err != nil {
		return transfer.Outcome{}, fmt.Errorf("failed to look up %s: %w", fileName, err)
	}

	desc := files[0]
	for _, f := range files {
		if f.FileName == fileName {
			desc = f
			break
		}
	}

	outcomes, err := d.DownloadBatch(ctx, []transfer.FileDescriptor{desc}, opts)
	if len(outcomes) == 0 {
		return transfer.Outcome{}, err
	}

	return outcomes[0], err
}

// DownloadPrivateFiles logs in, lists the files of a private dataset and downloads those
// named in fileNames, or all of them when fileNames is empty, to
// {OutputDir}/{accession}/{fileName}. Authentication failures abort the call.
func (d *Downloader) DownloadPrivateFiles(ctx context.Context, accession string, creds Credentials, fileNames []string, opts Options) ([]transfer.Outcome, error) {
	ctx = logctx.WithAccession(ctx, accession)
	logger := logctx.LoggerFromContext(ctx)

	if d.private == nil || d.newPrivate == nil {
		return nil, &transfer.ConfigurationError{Setting: "private", Reason: "private downloads are not configured"}
	}

	if err := ensureOutputDir(opts.OutputDir); err != nil {
		return nil, err
	}

	token, err := d.private.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}

	if err := d.private.ValidateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	files, err := d.private.PrivateFiles(ctx, accession, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list private files: %w", err)
	}

	logger.InfoContext(ctx, "listed private files", "count", len(files))

	selected, missing := selectPrivateFiles(files, fileNames)

	outcomes := make([]transfer.Outcome, 0, len(selected)+len(missing))
	tasks := make([]*transfer.Task, 0, len(selected)+len(missing))

	for _, f := range selected {
		task, err := privateTask(accession, f, opts.OutputDir)
		if err != nil {
			outcomes = append(outcomes, failed(&transfer.Task{Descriptor: transfer.FileDescriptor{Accession: accession, FileName: f.FileName}}, err))
			tasks = append(tasks, nil)

			continue
		}

		outcomes = append(outcomes, transfer.Outcome{})
		tasks = append(tasks, task)
	}

	for _, name := range missing {
		logger.ErrorContext(ctx, "file not in private dataset", "file_name", name)

		task := &transfer.Task{Descriptor: transfer.FileDescriptor{Accession: accession, FileName: name}}
		outcomes = append(outcomes, failed(task, fmt.Errorf("%s in %s: %w", name, accession, transfer.ErrNotFound)))
		tasks = append(tasks, nil)
	}

	client := transfer.NewInstrumentedClient(d.newPrivate(d.private.BearerClient(ctx, token)), d.telemetry)

	opts.Protocol = transfer.HTTPS

	return d.run(ctx, client, tasks, outcomes, opts, nil)
}

// run executes tasks. A nil task keeps the outcome already stored at its index.
func (d *Downloader) run(ctx context.Context, client transfer.Client, tasks []*transfer.Task, outcomes []transfer.Outcome, opts Options, sums checksums) ([]transfer.Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	d.removeIncomplete(ctx)

	if transfer.IsSession(client) {
		d.runSequential(ctx, client, tasks, outcomes, opts, sums)

		if s, ok := client.(transfer.Session); ok {
			if err := s.Close(); err != nil {
				logger.WarnContext(ctx, "failed to close driver session", "err", err)
			}
		}
	} else {
		d.runParallel(ctx, client, tasks, outcomes, opts, sums)
	}

	summary := Summarize(outcomes)

	status := "success"
	if summary.Failed > 0 {
		status = "partial"
	}

	d.telemetry.RecordBatch(ctx, client.Protocol().String(), status, time.Since(start))

	logger.InfoContext(ctx, "batch finished",
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"transferred", humanize.Bytes(uint64(summary.Bytes)),
		"duration", time.Since(start).Round(time.Millisecond))

	return outcomes, ctx.Err()
}

// runSequential drives a session one task at a time. Once a host's connection cannot be
// re-established the remaining tasks on that host are not attempted.
func (d *Downloader) runSequential(ctx context.Context, client transfer.Client, tasks []*transfer.Task, outcomes []transfer.Outcome, opts Options, sums checksums) {
	logger := logctx.LoggerFromContext(ctx)
	abandoned := make(map[string]error)

	for i, task := range tasks {
		if task == nil {
			continue
		}

		if err := ctx.Err(); err != nil {
			outcomes[i] = notAttempted(task, err)
			continue
		}

		if cause, ok := abandoned[task.Host()]; ok {
			logger.ErrorContext(ctx, "file not attempted", "file_name", task.Descriptor.FileName, "host", task.Host())

			outcomes[i] = notAttempted(task, cause)

			continue
		}

		outcomes[i] = d.download(ctx, client, task, opts, sums)

		var connErr *transfer.ConnectionError
		if errors.As(outcomes[i].Err, &connErr) {
			logger.ErrorContext(ctx, "abandoning remaining files on host", "host", task.Host(), "err", connErr)

			abandoned[task.Host()] = connErr
		}
	}
}

func (d *Downloader) runParallel(ctx context.Context, client transfer.Client, tasks []*transfer.Task, outcomes []transfer.Outcome, opts Options, sums checksums) {
	limit := opts.MaxParallel
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group

	g.SetLimit(limit)

	for i, task := range tasks {
		if task == nil {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = notAttempted(task, err)
				return nil
			}

			outcomes[i] = d.download(ctx, client, task, opts, sums)

			return nil
		})
	}

	_ = g.Wait()
}

// download runs one task: skip check, ledger claim, fetch, checksum verification and
// cleanup of partial output.
func (d *Downloader) download(ctx context.Context, client transfer.Client, task *transfer.Task, opts Options, sums checksums) transfer.Outcome {
	protocol := client.Protocol().String()
	logger := logctx.LoggerFromContext(ctx).With("file_name", task.Descriptor.FileName, "target", task.Destination)

	if opts.SkipExisting && d.alreadyDownloaded(ctx, task) {
		logger.InfoContext(ctx, "file already downloaded, skipping")
		d.telemetry.RecordSkipped(ctx, protocol)

		return transfer.Outcome{Task: task, Status: transfer.Skipped}
	}

	if d.ledger != nil {
		claimed, err := d.ledger.ClaimDownload(ctx, storage.DownloadRecord{
			Path:      task.Destination,
			Accession: task.Descriptor.Accession,
			FileName:  task.Descriptor.FileName,
			Protocol:  protocol,
		}, d.instanceID, d.lease)

		switch {
		case err != nil:
			logger.WarnContext(ctx, "failed to claim download, continuing without ledger", "err", err)
		case !claimed:
			logger.WarnContext(ctx, "download claimed by another process")

			return failed(task, fmt.Errorf("%s: %w", task.Destination, storage.ErrClaimed))
		}
	}

	before := statFile(task.Destination)

	reporter := progress.NewReporter(ctx, task.Descriptor.FileName, task.ExpectedSize)

	logger.InfoContext(ctx, "downloading file", "source", task.Source, "size", sizeOf(task.ExpectedSize))

	stats, err := client.Fetch(ctx, task, reporter)
	reporter.Done()

	if err == nil {
		err = sums.verify(ctx, task)
	}

	outcome := transfer.Outcome{Task: task, Status: transfer.Succeeded, BytesTransferred: stats.Bytes, Attempts: stats.Attempts, Err: err}

	status := storage.StatusDownloaded

	if err != nil {
		outcome.Status = transfer.Failed
		status = storage.StatusFailed

		logger.ErrorContext(ctx, "failed to download file", "attempts", stats.Attempts, "err", err)

		if errors.Is(err, transfer.ErrChecksumMismatch) || (!transfer.IsResumable(client) && before.changed(statFile(task.Destination))) {
			_ = cleanup.RemovePartial(ctx, task.Destination)
		}
	} else {
		logger.InfoContext(ctx, "downloaded and saved file", "transferred", humanize.Bytes(uint64(stats.Bytes)), "attempts", stats.Attempts)
	}

	if d.ledger != nil {
		if uerr := d.ledger.UpdateDownloadStatus(context.WithoutCancel(ctx), task.Destination, status, stats.Bytes); uerr != nil {
			logger.WarnContext(ctx, "failed to update download status", "err", uerr)
		}
	}

	return outcome
}

// alreadyDownloaded reports whether the destination holds a complete file. A present,
// non-empty file counts as complete unless it is shorter than the listed size or the
// ledger recorded an unfinished attempt.
func (d *Downloader) alreadyDownloaded(ctx context.Context, task *transfer.Task) bool {
	info, err := os.Stat(task.Destination)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return false
	}

	if task.ExpectedSize > 0 && info.Size() < task.ExpectedSize {
		return false
	}

	if d.ledger == nil {
		return true
	}

	rec, err := d.ledger.GetDownload(ctx, task.Destination)
	if err != nil {
		// Files placed by other means are trusted.
		return errors.Is(err, storage.ErrNotTracked)
	}

	return rec.Complete()
}

// removeIncomplete deletes files left by unfinished attempts of non-resumable drivers.
func (d *Downloader) removeIncomplete(ctx context.Context) {
	if d.ledger == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	records, err := d.ledger.GetDownloads(ctx)
	if err != nil {
		logger.WarnContext(ctx, "failed to read download ledger", "err", err)
		return
	}

	cutoff := time.Now().Add(-d.lease)
	var stale []storage.DownloadRecord

	for _, rec := range records {
		if rec.Status == storage.StatusFailed || (rec.Status == storage.StatusDownloading && rec.UpdatedAt.Before(cutoff)) {
			stale = append(stale, rec)
		}
	}

	if _, err := cleanup.DeleteIncompleteFiles(ctx, stale, d.resumable); err != nil {
		logger.WarnContext(ctx, "failed to delete incomplete files", "err", err)
	}
}

func (d *Downloader) resumable(protocol string) bool {
	if protocol == transfer.HTTPS.String() {
		return true
	}

	p, err := transfer.ParseProtocol(protocol)
	if err != nil {
		return true
	}

	client, ok := d.drivers[p]

	return ok && transfer.IsResumable(client)
}

func ensureOutputDir(dir string) error {
	if dir == "" {
		return &transfer.ConfigurationError{Setting: "output_dir", Reason: "output directory is required"}
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &transfer.ConfigurationError{Setting: "output_dir", Reason: "cannot create " + dir, Err: err}
	}

	return nil
}

func failed(task *transfer.Task, err error) transfer.Outcome {
	return transfer.Outcome{Task: task, Status: transfer.Failed, Err: err}
}

func notAttempted(task *transfer.Task, cause error) transfer.Outcome {
	return failed(task, fmt.Errorf("%w: %w", transfer.ErrNotAttempted, cause))
}

type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
}

func statFile(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}

	return fileState{exists: true, size: info.Size(), modTime: info.ModTime()}
}

func (s fileState) changed(now fileState) bool {
	return s.exists != now.exists || s.size != now.size || !s.modTime.Equal(now.modTime)
}

func sizeOf(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
