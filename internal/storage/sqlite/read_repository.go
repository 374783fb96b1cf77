package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bigbio/pride_downloader/internal/storage"
)

// Fixed width keeps the text column ordered like the instants it stores.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

const selectColumns = `SELECT path, accession, file_name, protocol, status, bytes, updated_at, locked_by FROM downloads`

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

// GetDownload returns the record for path or storage.ErrNotTracked.
func (r *DownloadRepository) GetDownload(ctx context.Context, path string) (storage.DownloadRecord, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, selectColumns+` WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, storage.ErrNotTracked
	}

	return record, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		record    storage.DownloadRecord
		accession sql.NullString
		fileName  sql.NullString
		protocol  sql.NullString
		updatedAt string
		lockedBy  sql.NullString
	)

	err := s.Scan(&record.Path, &accession, &fileName, &protocol, &record.Status, &record.Bytes, &updatedAt, &lockedBy)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	record.Accession = accession.String
	record.FileName = fileName.String
	record.Protocol = protocol.String
	record.LockedBy = lockedBy.String

	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		record.UpdatedAt = t
	}

	return record, nil
}
