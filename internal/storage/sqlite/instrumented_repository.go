package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/bigbio/pride_downloader/internal/storage"
	"github.com/bigbio/pride_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetDownload retrieves one download with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, path string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownload(ctx, path)

		return err
	})

	return result, err
}

// ClaimDownload claims a destination with telemetry.
func (r *InstrumentedDownloadRepository) ClaimDownload(ctx context.Context, rec storage.DownloadRecord, instanceID string, lease time.Duration) (bool, error) {
	var claimed bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_download", func(ctx context.Context) error {
		var err error

		claimed, err = r.repo.ClaimDownload(ctx, rec, instanceID, lease)

		return err
	})
	if err != nil {
		return false, err
	}

	return claimed, nil
}

// UpdateDownloadStatus updates download status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, path, status string, bytes int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, path, status, bytes)
	})
}
