package s3

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const prefix = "ftp://ftp.pride.ebi.ac.uk/pride/data/archive/"

func testConfig() Config {
	return Config{
		Endpoint:    "https://hh.fire.sdo.ebi.ac.uk",
		Bucket:      "pride-public",
		Region:      "us-east-1",
		KeyPrefix:   prefix,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}
}

func openMemBucket(t *testing.T, objects map[string]string) *blob.Bucket {
	t.Helper()

	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)

	t.Cleanup(func() { bucket.Close() })

	for key, data := range objects {
		require.NoError(t, bucket.WriteAll(ctx, key, []byte(data), nil))
	}

	return bucket
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// flakyBucket fails the first failures Size calls with a timeout.
type flakyBucket struct {
	Bucket
	failures int
	calls    int
}

func (b *flakyBucket) Size(ctx context.Context, key string) (int64, error) {
	b.calls++
	if b.calls <= b.failures {
		return 0, timeoutErr{}
	}

	return b.Bucket.Size(ctx, key)
}

func newTask(t *testing.T, source string) *transfer.Task {
	t.Helper()

	return &transfer.Task{
		Descriptor:  transfer.FileDescriptor{FileName: filepath.Base(source)},
		Source:      source,
		Destination: filepath.Join(t.TempDir(), filepath.Base(source)),
	}
}

func TestClient_Key(t *testing.T) {
	client := NewClient(testConfig(), nil)

	key, err := client.Key(prefix + "2018/10/PXD008644/7550GI_Y.raw")
	require.NoError(t, err)
	assert.Equal(t, "2018/10/PXD008644/7550GI_Y.raw", key)

	_, err = client.Key("https://elsewhere.org/file.raw")

	var malformed *transfer.MalformedLocatorError
	assert.ErrorAs(t, err, &malformed)
}

func TestClient_Fetch(t *testing.T) {
	bucket := openMemBucket(t, map[string]string{"2018/10/PXD008644/7550GI_Y.raw": "spectra-bytes"})
	client := NewClient(testConfig(), BlobBucket{bucket})

	task := newTask(t, prefix+"2018/10/PXD008644/7550GI_Y.raw")

	var total, reported int64

	sink := &sizedSink{onTotal: func(n int64) { total = n }, onBytes: func(n int64) { reported += n }}

	stats, err := client.Fetch(context.Background(), task, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(13), stats.Bytes)
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, int64(13), total)
	assert.Equal(t, int64(13), reported)

	info, err := os.Stat(task.Destination)
	require.NoError(t, err)
	assert.Equal(t, int64(13), info.Size())
}

func TestClient_FetchNotFoundIsNotRetried(t *testing.T) {
	flaky := &flakyBucket{Bucket: BlobBucket{openMemBucket(t, nil)}}
	client := NewClient(testConfig(), flaky)

	stats, err := client.Fetch(context.Background(), newTask(t, prefix+"2018/10/PXD000000/missing.raw"), progress.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrNotFound)
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, 1, flaky.calls)
}

func TestClient_FetchRetriesTransientErrors(t *testing.T) {
	bucket := openMemBucket(t, map[string]string{"a/b.raw": "data"})
	flaky := &flakyBucket{Bucket: BlobBucket{bucket}, failures: 2}
	client := NewClient(testConfig(), flaky)

	stats, err := client.Fetch(context.Background(), newTask(t, prefix+"a/b.raw"), progress.Discard)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, int64(4), stats.Bytes)
}

func TestClient_FetchExhaustsAttempts(t *testing.T) {
	flaky := &flakyBucket{Bucket: BlobBucket{openMemBucket(t, map[string]string{"a/b.raw": "data"})}, failures: 100}
	client := NewClient(testConfig(), flaky)

	stats, err := client.Fetch(context.Background(), newTask(t, prefix+"a/b.raw"), progress.Discard)
	require.Error(t, err)
	assert.Equal(t, 5, stats.Attempts)
	assert.Equal(t, 5, flaky.calls)

	var transient *transfer.TransientError
	assert.ErrorAs(t, err, &transient)
}

type sizedSink struct {
	onTotal func(int64)
	onBytes func(int64)
}

func (s *sizedSink) OnBytes(n int64)      { s.onBytes(n) }
func (s *sizedSink) SetTotal(total int64) { s.onTotal(total) }

const slowDown = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>SlowDown</Code><Message>Please reduce your request rate.</Message></Error>`

// objectServer is a path-style S3 endpoint holding one object. The first failures requests
// are answered with status.
type objectServer struct {
	key      string
	data     string
	status   int
	body     string
	failures int32
	hits     atomic.Int32
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.hits.Add(1) <= s.failures {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(s.status)
		_, _ = fmt.Fprint(w, s.body)

		return
	}

	if r.URL.Path != "/pride-public/"+s.key {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(s.data)))
	w.Header().Set("Last-Modified", "Mon, 01 Oct 2018 10:00:00 GMT")
	w.Header().Set("ETag", `"5d41402abc4b2a76b9719d911017c592"`)
	w.WriteHeader(http.StatusOK)

	if r.Method != http.MethodHead {
		_, _ = fmt.Fprint(w, s.data)
	}
}

func openServerBucket(t *testing.T, s *objectServer) *Client {
	t.Helper()

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Endpoint = srv.URL

	bucket, err := OpenBucket(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { bucket.Close() })

	return NewClient(cfg, BlobBucket{bucket})
}

func TestClient_FetchRetriesThrottledEndpoint(t *testing.T) {
	s := &objectServer{key: "a/b.raw", data: "data", status: http.StatusServiceUnavailable, body: slowDown, failures: 2}
	client := openServerBucket(t, s)

	task := newTask(t, prefix+"a/b.raw")

	stats, err := client.Fetch(context.Background(), task, progress.Discard)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, int64(4), stats.Bytes)

	got, err := os.ReadFile(task.Destination)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestClient_FetchThrottledUntilExhausted(t *testing.T) {
	s := &objectServer{key: "a/b.raw", data: "data", status: http.StatusServiceUnavailable, body: slowDown, failures: 100}
	client := openServerBucket(t, s)

	stats, err := client.Fetch(context.Background(), newTask(t, prefix+"a/b.raw"), progress.Discard)
	require.Error(t, err)
	assert.Equal(t, 5, stats.Attempts)
	assert.Equal(t, int32(5), s.hits.Load())

	var transient *transfer.TransientError
	require.ErrorAs(t, err, &transient)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
}

func TestClient_FetchMissingObjectFromEndpoint(t *testing.T) {
	s := &objectServer{key: "a/b.raw", data: "data"}
	client := openServerBucket(t, s)

	stats, err := client.Fetch(context.Background(), newTask(t, prefix+"a/missing.raw"), progress.Discard)
	assert.ErrorIs(t, err, transfer.ErrNotFound)
	assert.Equal(t, 1, stats.Attempts)
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestClient_FetchForbiddenIsTerminal(t *testing.T) {
	s := &objectServer{
		key: "a/b.raw", data: "data", status: http.StatusForbidden, failures: 100,
		body: `<Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`,
	}
	client := openServerBucket(t, s)

	stats, err := client.Fetch(context.Background(), newTask(t, prefix+"a/b.raw"), progress.Discard)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Attempts)

	var terminal *transfer.TerminalError
	assert.ErrorAs(t, err, &terminal)
}
