package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"time"
)

// Ledger statuses.
const (
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusFailed      = "failed"
)

var (
	// ErrNotTracked is returned when the ledger has no record for a destination.
	ErrNotTracked = errors.New("download not tracked")
	// ErrClaimed is returned when another process holds a live claim on a destination.
	ErrClaimed = errors.New("download claimed by another process")
)

// DownloadRecord is the ledger entry for one destination path.
type DownloadRecord struct {
	Path      string
	Accession string
	FileName  string
	Protocol  string
	Status    string
	Bytes     int64
	UpdatedAt time.Time
	LockedBy  string
}

// Complete reports whether the last attempt for the record finished.
func (r DownloadRecord) Complete() bool {
	return r.Status == StatusDownloaded
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetDownload(ctx context.Context, path string) (DownloadRecord, error)
}

type DownloadWriteRepository interface {
	// ClaimDownload marks rec.Path as downloading for instanceID. A claim held by another
	// instance is honoured until it is older than lease.
	ClaimDownload(ctx context.Context, rec DownloadRecord, instanceID string, lease time.Duration) (bool, error)
	UpdateDownloadStatus(ctx context.Context, path, status string, bytes int64) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
