package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbio/pride_downloader/internal/dc/local"
	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/pride"
	"github.com/bigbio/pride_downloader/internal/storage"
	"github.com/bigbio/pride_downloader/internal/storage/sqlite"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const archive = "ftp://ftp.pride.ebi.ac.uk/pride/data/archive/2018/10/PXD008644/"

// fakeClient serves files from memory. Sources on a host listed in down fail with a
// connection error, sources listed in broken write half the file and fail.
type fakeClient struct {
	protocol  transfer.Protocol
	resumable bool

	mu     sync.Mutex
	files  map[string][]byte
	down   map[string]bool
	broken map[string]bool
	calls  []string
}

func newFakeClient(protocol transfer.Protocol) *fakeClient {
	return &fakeClient{
		protocol: protocol,
		files:    make(map[string][]byte),
		down:     make(map[string]bool),
		broken:   make(map[string]bool),
	}
}

func (f *fakeClient) Protocol() transfer.Protocol { return f.protocol }

func (f *fakeClient) Resumable() bool { return f.resumable }

func (f *fakeClient) Fetch(ctx context.Context, task *transfer.Task, sink progress.Sink) (transfer.Stats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task.Source)
	data, ok := f.files[task.Source]
	down := f.down[task.Host()]
	broken := f.broken[task.Source]
	f.mu.Unlock()

	stats := transfer.Stats{Attempts: 1}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	if down {
		return stats, &transfer.ConnectionError{Host: task.Host() + ":21", Err: errors.New("dial tcp: i/o timeout")}
	}

	if !ok {
		return stats, &transfer.TerminalError{Operation: "fake_get", Reason: "file not found", Err: transfer.ErrNotFound}
	}

	if broken {
		data = data[:len(data)/2]
	}

	if err := os.MkdirAll(filepath.Dir(task.Destination), 0o755); err != nil {
		return stats, err
	}

	if err := os.WriteFile(task.Destination, data, 0o644); err != nil {
		return stats, err
	}

	sink.OnBytes(int64(len(data)))
	stats.Bytes = int64(len(data))

	if broken {
		return stats, &transfer.TransientError{Operation: "fake_get", Err: errors.New("connection reset by peer")}
	}

	return stats, nil
}

func (f *fakeClient) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

// fakeSession is a fakeClient that keeps connections across a batch.
type fakeSession struct {
	*fakeClient
	closed int
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeCatalog struct {
	files     map[string][]transfer.FileDescriptor
	manifests map[string][]byte
}

func (c *fakeCatalog) FileByName(_ context.Context, accession, fileName string) ([]transfer.FileDescriptor, error) {
	files, ok := c.files[fileName]
	if !ok {
		return nil, fmt.Errorf("file %s in %s: %w", fileName, accession, transfer.ErrNotFound)
	}

	return files, nil
}

func (c *fakeCatalog) ChecksumManifest(_ context.Context, accession string) ([]byte, error) {
	data, ok := c.manifests[accession]
	if !ok {
		return nil, &transfer.NetworkError{Operation: "get_checksum", StatusCode: http.StatusNotFound, APIMessage: "not found"}
	}

	return data, nil
}

func descriptor(source string) transfer.FileDescriptor {
	name := filepath.Base(source)

	return transfer.FileDescriptor{
		Accession: "PXD008644",
		FileName:  name,
		Locations: []transfer.Location{
			{Name: transfer.FTPLocationLabel, Value: source},
			{Name: transfer.AsperaLocationLabel, Value: "prd_ascp@fasp.ebi.ac.uk:pride/data/archive/2018/10/PXD008644/" + name},
		},
		ExpectedSize: -1,
	}
}

func newDownloader(clients ...transfer.Client) *Downloader {
	drivers := make(map[transfer.Protocol]transfer.Client)
	for _, c := range clients {
		drivers[c.Protocol()] = c
	}

	return NewDownloader(drivers, &fakeCatalog{})
}

func TestDownloadBatch_SkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7550GI_Y.raw"), []byte("already here"), 0o644))

	for _, protocol := range transfer.Protocols {
		t.Run(protocol.String(), func(t *testing.T) {
			client := newFakeClient(protocol)
			client.files[archive+"7550GI_Y.raw"] = []byte("remote bytes")

			outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
				[]transfer.FileDescriptor{descriptor(archive + "7550GI_Y.raw")},
				Options{OutputDir: dir, Protocol: protocol, SkipExisting: true})
			require.NoError(t, err)
			require.Len(t, outcomes, 1)

			assert.Equal(t, transfer.Skipped, outcomes[0].Status)
			assert.Equal(t, int64(0), outcomes[0].BytesTransferred)
			assert.Empty(t, client.fetched())
		})
	}

	got, err := os.ReadFile(filepath.Join(dir, "7550GI_Y.raw"))
	require.NoError(t, err)
	assert.Equal(t, "already here", string(got))
}

func TestDownloadBatch_OverwritesWithoutSkip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7550GI_Y.raw"), []byte("stale"), 0o644))

	client := newFakeClient(transfer.S3)
	client.files[archive+"7550GI_Y.raw"] = []byte("remote bytes")

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "7550GI_Y.raw")},
		Options{OutputDir: dir, Protocol: transfer.S3})
	require.NoError(t, err)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, int64(12), outcomes[0].BytesTransferred)

	got, err := os.ReadFile(filepath.Join(dir, "7550GI_Y.raw"))
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(got))
}

func TestDownloadBatch_SkipsOnlyCompleteFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.raw"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.raw"), []byte("ab"), 0o644))

	client := newFakeClient(transfer.Globus)
	client.files[archive+"empty.raw"] = []byte("content")
	client.files[archive+"short.raw"] = []byte("abcdef")

	short := descriptor(archive + "short.raw")
	short.ExpectedSize = 6

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "empty.raw"), short},
		Options{OutputDir: dir, Protocol: transfer.Globus, SkipExisting: true})
	require.NoError(t, err)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, transfer.Succeeded, outcomes[1].Status)
	assert.Len(t, client.fetched(), 2)
}

func TestDownloadBatch_CopiesFromLocalMirror(t *testing.T) {
	input := t.TempDir()
	submitted := filepath.Join(input, "2018", "10", "PXD008644", "submitted")
	require.NoError(t, os.MkdirAll(submitted, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(submitted, "7550GI_Y.raw"), []byte("mirrored"), 0o644))

	out := t.TempDir()

	outcomes, err := newDownloader(local.NewClient(local.Config{InputDir: input})).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "7550GI_Y.raw"), descriptor(archive + "absent.raw")},
		Options{OutputDir: out, Protocol: transfer.Local, PrefixAccession: true})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, int64(8), outcomes[0].BytesTransferred)

	got, err := os.ReadFile(filepath.Join(out, "PXD008644-7550GI_Y.raw"))
	require.NoError(t, err)
	assert.Equal(t, "mirrored", string(got))

	assert.Equal(t, transfer.Failed, outcomes[1].Status)
	assert.ErrorIs(t, outcomes[1].Err, transfer.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(out, "PXD008644-absent.raw"))
}

func TestDownloadBatch_FTPUnreachableHost(t *testing.T) {
	dir := t.TempDir()

	session := &fakeSession{fakeClient: newFakeClient(transfer.FTP)}
	session.files[archive+"a.raw"] = []byte("aaaa")
	session.files["ftp://mirror.example.org/pride/b.raw"] = []byte("bbbb")
	session.files[archive+"c.raw"] = []byte("cccc")
	session.down["mirror.example.org"] = true

	descriptors := []transfer.FileDescriptor{
		descriptor(archive + "a.raw"),
		descriptor("ftp://mirror.example.org/pride/b.raw"),
		descriptor(archive + "c.raw"),
	}

	outcomes, err := newDownloader(session).DownloadBatch(context.Background(), descriptors,
		Options{OutputDir: dir, Protocol: transfer.FTP, SkipExisting: true, MaxParallel: 8})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byName := make(map[string]transfer.Outcome)
	for _, o := range outcomes {
		byName[o.Task.Descriptor.FileName] = o
	}

	assert.Equal(t, transfer.Succeeded, byName["a.raw"].Status)
	assert.Equal(t, transfer.Failed, byName["b.raw"].Status)
	assert.Equal(t, transfer.Succeeded, byName["c.raw"].Status)

	var connErr *transfer.ConnectionError
	assert.ErrorAs(t, byName["b.raw"].Err, &connErr)

	assert.Equal(t, Summary{Succeeded: 2, Failed: 1, Bytes: 8}, Summarize(outcomes))
	assert.Equal(t, 1, session.closed)
}

func TestDownloadBatch_FTPConnectionNeverRecovers(t *testing.T) {
	session := &fakeSession{fakeClient: newFakeClient(transfer.FTP)}
	session.down["ftp.pride.ebi.ac.uk"] = true

	descriptors := []transfer.FileDescriptor{
		descriptor(archive + "a.raw"),
		descriptor(archive + "b.raw"),
		descriptor(archive + "c.raw"),
	}

	outcomes, err := newDownloader(session).DownloadBatch(context.Background(), descriptors,
		Options{OutputDir: t.TempDir(), Protocol: transfer.FTP})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	for _, o := range outcomes {
		assert.Equal(t, transfer.Failed, o.Status)
	}

	var connErr *transfer.ConnectionError
	assert.ErrorAs(t, outcomes[0].Err, &connErr)
	assert.ErrorIs(t, outcomes[1].Err, transfer.ErrNotAttempted)
	assert.ErrorIs(t, outcomes[2].Err, transfer.ErrNotAttempted)

	assert.Len(t, session.fetched(), 1, "later files on the host are not attempted")
}

func TestDownloadBatch_Idempotent(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.S3)
	descriptors := make([]transfer.FileDescriptor, 0, 3)

	for _, name := range []string{"a.raw", "b.raw", "c.mgf"} {
		client.files[archive+name] = []byte("content of " + name)
		descriptors = append(descriptors, descriptor(archive+name))
	}

	d := newDownloader(client)
	opts := Options{OutputDir: dir, Protocol: transfer.S3, SkipExisting: true, MaxParallel: 2}

	_, err := d.DownloadBatch(context.Background(), descriptors, opts)
	require.NoError(t, err)

	first := readDir(t, dir)

	outcomes, err := d.DownloadBatch(context.Background(), descriptors, opts)
	require.NoError(t, err)

	for _, o := range outcomes {
		assert.Equal(t, transfer.Skipped, o.Status)
	}

	assert.Equal(t, first, readDir(t, dir))
	assert.Len(t, client.fetched(), 3)
}

func TestDownloadBatch_UnsupportedProtocol(t *testing.T) {
	client := newFakeClient(transfer.FTP)

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "a.raw")},
		Options{OutputDir: t.TempDir(), Protocol: transfer.Aspera})
	require.Error(t, err)
	assert.Nil(t, outcomes)
	assert.ErrorIs(t, err, transfer.ErrUnsupportedProtocol)

	var cfgErr *transfer.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, client.fetched())
}

func TestDownloadBatch_CreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")

	client := newFakeClient(transfer.Globus)
	client.files[archive+"a.raw"] = []byte("a")

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "a.raw")},
		Options{OutputDir: dir, Protocol: transfer.Globus})
	require.NoError(t, err)
	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.FileExists(t, filepath.Join(dir, "a.raw"))
}

func TestDownloadBatch_DuplicateDestination(t *testing.T) {
	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("first")
	client.files["ftp://ftp.pride.ebi.ac.uk/pride/data/archive/2019/01/PXD000001/a.raw"] = []byte("second")

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(), []transfer.FileDescriptor{
		descriptor(archive + "a.raw"),
		descriptor("ftp://ftp.pride.ebi.ac.uk/pride/data/archive/2019/01/PXD000001/a.raw"),
	}, Options{OutputDir: t.TempDir(), Protocol: transfer.S3})
	require.NoError(t, err)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, transfer.Failed, outcomes[1].Status)
	assert.ErrorIs(t, outcomes[1].Err, transfer.ErrDuplicateDestination)
	assert.Len(t, client.fetched(), 1)
}

func TestDownloadBatch_PrefixAccessionAvoidsCollision(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("first")
	client.files["ftp://ftp.pride.ebi.ac.uk/pride/data/archive/2019/01/PXD000001/a.raw"] = []byte("second")

	other := descriptor("ftp://ftp.pride.ebi.ac.uk/pride/data/archive/2019/01/PXD000001/a.raw")
	other.Accession = "PXD000001"

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "a.raw"), other},
		Options{OutputDir: dir, Protocol: transfer.S3, PrefixAccession: true})
	require.NoError(t, err)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, transfer.Succeeded, outcomes[1].Status)
	assert.FileExists(t, filepath.Join(dir, "PXD008644-a.raw"))
	assert.FileExists(t, filepath.Join(dir, "PXD000001-a.raw"))
}

func TestDownloadBatch_FailureDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("aaaa")
	client.files[archive+"broken.raw"] = []byte("bbbbbbbb")
	client.files[archive+"c.raw"] = []byte("cccc")
	client.broken[archive+"broken.raw"] = true

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(), []transfer.FileDescriptor{
		descriptor(archive + "a.raw"),
		descriptor(archive + "missing.raw"),
		descriptor(archive + "broken.raw"),
		descriptor(archive + "c.raw"),
	}, Options{OutputDir: dir, Protocol: transfer.S3, MaxParallel: 1})
	require.NoError(t, err)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, transfer.Failed, outcomes[1].Status)
	assert.ErrorIs(t, outcomes[1].Err, transfer.ErrNotFound)
	assert.Equal(t, transfer.Failed, outcomes[2].Status)
	assert.Equal(t, transfer.Succeeded, outcomes[3].Status)

	assert.NoFileExists(t, filepath.Join(dir, "broken.raw"), "partial output of a non-resumable driver is removed")
}

func TestDownloadBatch_ResumableDriverKeepsPartialFile(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.Globus)
	client.resumable = true
	client.files[archive+"broken.raw"] = []byte("bbbbbbbb")
	client.broken[archive+"broken.raw"] = true

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "broken.raw")},
		Options{OutputDir: dir, Protocol: transfer.Globus})
	require.NoError(t, err)

	assert.Equal(t, transfer.Failed, outcomes[0].Status)
	assert.FileExists(t, filepath.Join(dir, "broken.raw"))
}

func TestDownloadBatch_Parallel(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.S3)

	var descriptors []transfer.FileDescriptor

	for i := range 20 {
		source := fmt.Sprintf("%sfile_%02d.raw", archive, i)
		client.files[source] = []byte(source)
		descriptors = append(descriptors, descriptor(source))
	}

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(), descriptors,
		Options{OutputDir: dir, Protocol: transfer.S3, MaxParallel: 4})
	require.NoError(t, err)
	require.Len(t, outcomes, 20)

	for i, o := range outcomes {
		assert.Equal(t, transfer.Succeeded, o.Status)
		assert.Equal(t, descriptors[i].FileName, o.Task.Descriptor.FileName)
	}
}

func TestDownloadBatch_Cancelled(t *testing.T) {
	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := newDownloader(client).DownloadBatch(ctx,
		[]transfer.FileDescriptor{descriptor(archive + "a.raw"), descriptor(archive + "b.raw")},
		Options{OutputDir: t.TempDir(), Protocol: transfer.S3})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, outcomes, 2)

	for _, o := range outcomes {
		assert.Equal(t, transfer.Failed, o.Status)
		assert.ErrorIs(t, o.Err, transfer.ErrNotAttempted)
	}

	assert.Empty(t, client.fetched())
}

func TestDownloadBatch_Checksums(t *testing.T) {
	dir := t.TempDir()

	good := []byte("good content")
	sum := sha1.Sum(good)

	manifest := "fileName\tchecksum\n" +
		"good.raw\t" + hex.EncodeToString(sum[:]) + "\n" +
		"bad.raw\t" + hex.EncodeToString(make([]byte, sha1.Size)) + "\n"

	client := newFakeClient(transfer.S3)
	client.files[archive+"good.raw"] = good
	client.files[archive+"bad.raw"] = []byte("tampered")
	client.files[archive+"unlisted.raw"] = []byte("no entry")

	d := NewDownloader(map[transfer.Protocol]transfer.Client{transfer.S3: client},
		&fakeCatalog{manifests: map[string][]byte{"PXD008644": []byte(manifest)}})

	outcomes, err := d.DownloadBatch(context.Background(), []transfer.FileDescriptor{
		descriptor(archive + "good.raw"),
		descriptor(archive + "bad.raw"),
		descriptor(archive + "unlisted.raw"),
	}, Options{OutputDir: dir, Protocol: transfer.S3, FetchChecksums: true, VerifyChecksums: true})
	require.NoError(t, err)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, transfer.Failed, outcomes[1].Status)
	assert.ErrorIs(t, outcomes[1].Err, transfer.ErrChecksumMismatch)
	assert.Equal(t, transfer.Succeeded, outcomes[2].Status)

	assert.NoFileExists(t, filepath.Join(dir, "bad.raw"))

	saved, err := os.ReadFile(ManifestPath(dir, "PXD008644"))
	require.NoError(t, err)
	assert.Equal(t, manifest, string(saved))
}

func TestDownloadBatch_ChecksumManifestFailureIsBestEffort(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("a")

	outcomes, err := newDownloader(client).DownloadBatch(context.Background(),
		[]transfer.FileDescriptor{descriptor(archive + "a.raw")},
		Options{OutputDir: dir, Protocol: transfer.S3, FetchChecksums: true})
	require.NoError(t, err)
	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.NoFileExists(t, ManifestPath(dir, "PXD008644"))
}

func TestDownloadBatch_Ledger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	defer db.Close()

	repo := sqlite.NewDownloadRepository(db)

	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("aaaa")
	client.files[archive+"b.raw"] = []byte("bbbb")

	// b.raw was left behind by an attempt that never finished.
	stale := filepath.Join(dir, "b.raw")
	require.NoError(t, os.WriteFile(stale, []byte("bb"), 0o644))
	_, err = repo.ClaimDownload(ctx, storage.DownloadRecord{Path: stale, Protocol: "s3"}, "crashed-worker", time.Hour)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateDownloadStatus(ctx, stale, storage.StatusFailed, 2))

	d := NewDownloader(map[transfer.Protocol]transfer.Client{transfer.S3: client}, &fakeCatalog{},
		WithLedger(repo, time.Hour))

	opts := Options{OutputDir: dir, Protocol: transfer.S3, SkipExisting: true}
	descriptors := []transfer.FileDescriptor{descriptor(archive + "a.raw"), descriptor(archive + "b.raw")}

	outcomes, err := d.DownloadBatch(ctx, descriptors, opts)
	require.NoError(t, err)
	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, transfer.Succeeded, outcomes[1].Status, "an incomplete file is downloaded again")

	for _, name := range []string{"a.raw", "b.raw"} {
		rec, err := repo.GetDownload(ctx, filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, storage.StatusDownloaded, rec.Status)
		assert.Equal(t, int64(4), rec.Bytes)
	}

	outcomes, err = d.DownloadBatch(ctx, descriptors, opts)
	require.NoError(t, err)
	assert.Equal(t, transfer.Skipped, outcomes[0].Status)
	assert.Equal(t, transfer.Skipped, outcomes[1].Status)
}

func TestDownloadBatch_LedgerClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	defer db.Close()

	repo := sqlite.NewDownloadRepository(db)

	_, err = repo.ClaimDownload(ctx, storage.DownloadRecord{Path: filepath.Join(dir, "a.raw"), Protocol: "s3"}, "other-host", time.Hour)
	require.NoError(t, err)

	client := newFakeClient(transfer.S3)
	client.files[archive+"a.raw"] = []byte("aaaa")

	d := NewDownloader(map[transfer.Protocol]transfer.Client{transfer.S3: client}, &fakeCatalog{}, WithLedger(repo, time.Hour))

	outcomes, err := d.DownloadBatch(ctx, []transfer.FileDescriptor{descriptor(archive + "a.raw")},
		Options{OutputDir: dir, Protocol: transfer.S3})
	require.NoError(t, err)
	assert.Equal(t, transfer.Failed, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err, storage.ErrClaimed)
	assert.Empty(t, client.fetched())
}

func TestDownloadFileByName(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.FTP)
	client.files[archive+"7550GI_Y.raw"] = []byte("spectra")

	catalog := &fakeCatalog{files: map[string][]transfer.FileDescriptor{
		"7550GI_Y.raw": {descriptor(archive + "7550GI_Y.raw.zip"), descriptor(archive + "7550GI_Y.raw")},
	}}

	d := NewDownloader(map[transfer.Protocol]transfer.Client{transfer.FTP: client}, catalog)

	outcome, err := d.DownloadFileByName(context.Background(), "PXD008644", "7550GI_Y.raw",
		Options{OutputDir: dir, Protocol: transfer.FTP}, nil)
	require.NoError(t, err)
	assert.Equal(t, transfer.Succeeded, outcome.Status)
	assert.Equal(t, filepath.Join(dir, "7550GI_Y.raw"), outcome.Task.Destination)

	_, err = d.DownloadFileByName(context.Background(), "PXD008644", "missing.raw",
		Options{OutputDir: dir, Protocol: transfer.FTP}, nil)
	assert.ErrorIs(t, err, transfer.ErrNotFound)
}

type fakePrivateCatalog struct {
	token    string
	files    []pride.PrivateFile
	loginErr error
}

func (c *fakePrivateCatalog) Login(_ context.Context, username, password string) (string, error) {
	if c.loginErr != nil {
		return "", c.loginErr
	}

	return c.token, nil
}

func (c *fakePrivateCatalog) ValidateToken(_ context.Context, token string) error {
	if token != c.token {
		return &transfer.AuthenticationError{Operation: "validate_token", Err: errors.New("token invalid")}
	}

	return nil
}

func (c *fakePrivateCatalog) PrivateFiles(context.Context, string, string) ([]pride.PrivateFile, error) {
	return c.files, nil
}

func (c *fakePrivateCatalog) BearerClient(context.Context, string) *http.Client {
	return &http.Client{}
}

func TestDownloadPrivateFiles(t *testing.T) {
	dir := t.TempDir()

	client := newFakeClient(transfer.HTTPS)
	client.resumable = true
	client.files["https://private.example.org/PXD012345/a.raw"] = []byte("private a")
	client.files["https://private.example.org/PXD012345/b.raw"] = []byte("private b")

	catalog := &fakePrivateCatalog{token: "token-123", files: []pride.PrivateFile{
		{FileName: "a.raw", DownloadURL: "https://private.example.org/PXD012345/a.raw", Size: 9},
		{FileName: "b.raw", DownloadURL: "https://private.example.org/PXD012345/b.raw", Size: 9},
	}}

	var driverBuilt bool

	d := NewDownloader(nil, &fakeCatalog{}, WithPrivate(catalog, func(*http.Client) transfer.Client {
		driverBuilt = true
		return client
	}))

	outcomes, err := d.DownloadPrivateFiles(context.Background(), "PXD012345",
		Credentials{Username: "reviewer", Password: "secret"}, []string{"b.raw", "missing.raw"},
		Options{OutputDir: dir})
	require.NoError(t, err)
	require.True(t, driverBuilt)
	require.Len(t, outcomes, 2)

	assert.Equal(t, transfer.Succeeded, outcomes[0].Status)
	assert.Equal(t, filepath.Join(dir, "PXD012345", "b.raw"), outcomes[0].Task.Destination)
	assert.Equal(t, transfer.Failed, outcomes[1].Status)
	assert.ErrorIs(t, outcomes[1].Err, transfer.ErrNotFound)

	got, err := os.ReadFile(filepath.Join(dir, "PXD012345", "b.raw"))
	require.NoError(t, err)
	assert.Equal(t, "private b", string(got))
	assert.Equal(t, []string{"https://private.example.org/PXD012345/b.raw"}, client.fetched())
}

func TestDownloadPrivateFiles_AuthenticationFailure(t *testing.T) {
	client := newFakeClient(transfer.HTTPS)
	catalog := &fakePrivateCatalog{loginErr: &transfer.AuthenticationError{Operation: "login", Err: errors.New("bad credentials")}}

	d := NewDownloader(nil, &fakeCatalog{}, WithPrivate(catalog, func(*http.Client) transfer.Client { return client }))

	outcomes, err := d.DownloadPrivateFiles(context.Background(), "PXD012345",
		Credentials{Username: "reviewer", Password: "wrong"}, nil, Options{OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.Nil(t, outcomes)

	var authErr *transfer.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
	assert.Empty(t, client.fetched())
}

func TestDownloadFileByName_WithCredentials(t *testing.T) {
	client := newFakeClient(transfer.HTTPS)
	client.files["https://private.example.org/a.raw"] = []byte("a")

	catalog := &fakePrivateCatalog{token: "t", files: []pride.PrivateFile{
		{FileName: "a.raw", DownloadURL: "https://private.example.org/a.raw"},
	}}

	d := NewDownloader(nil, &fakeCatalog{}, WithPrivate(catalog, func(*http.Client) transfer.Client { return client }))

	outcome, err := d.DownloadFileByName(context.Background(), "PXD012345", "a.raw",
		Options{OutputDir: t.TempDir()}, &Credentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, transfer.Succeeded, outcome.Status)
}

func TestSummary_String(t *testing.T) {
	s := Summarize([]transfer.Outcome{
		{Status: transfer.Succeeded, BytesTransferred: 1500},
		{Status: transfer.Skipped},
		{Status: transfer.Failed, Err: transfer.ErrNotFound},
	})

	assert.Equal(t, "1 succeeded, 1 skipped, 1 failed, 1.5 kB transferred", s.String())
}

func TestParseManifest(t *testing.T) {
	sums := ParseManifest([]byte("# checksums\n" +
		"fileName\tchecksum\n" +
		"a.raw\tDA39A3EE5E6B4B0D3255BFEF95601890AFD80709\n" +
		"b.raw  da39a3ee5e6b4b0d3255bfef95601890afd80709\n" +
		"c.raw\tnot-a-digest\n\n"))

	assert.Equal(t, map[string]string{
		"a.raw": "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		"b.raw": "da39a3ee5e6b4b0d3255bfef95601890afd80709",
	}, sums)
}

func readDir(t *testing.T, dir string) map[string]string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	out := make(map[string]string, len(entries))

	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)

		out[e.Name()] = string(data)
	}

	return out
}
