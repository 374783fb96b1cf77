package sqlite

import (
	"context"
	"time"

	"github.com/bigbio/pride_downloader/internal/storage"
)

// ClaimDownload inserts or takes over the record for rec.Path with status 'downloading'.
// An existing 'downloading' row owned by another instance is only taken over once its
// updated_at is older than lease.
func (r *DownloadRepository) ClaimDownload(ctx context.Context, rec storage.DownloadRecord, instanceID string, lease time.Duration) (bool, error) {
	now := r.now()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (path, accession, file_name, protocol, status, bytes, updated_at, locked_by)
		VALUES (?, ?, ?, ?, 'downloading', 0, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			accession = excluded.accession,
			file_name = excluded.file_name,
			protocol = excluded.protocol,
			status = 'downloading',
			bytes = 0,
			updated_at = excluded.updated_at,
			locked_by = excluded.locked_by
		WHERE downloads.status != 'downloading'
			OR downloads.locked_by IS NULL
			OR downloads.locked_by = excluded.locked_by
			OR downloads.updated_at < ?
	`, rec.Path, rec.Accession, rec.FileName, rec.Protocol, formatTime(now), instanceID, formatTime(now.Add(-lease)))
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// UpdateDownloadStatus sets the final status for a destination and releases the claim.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, path, status string, bytes int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, bytes = ?, updated_at = ?, locked_by = NULL WHERE path = ?`,
		status, bytes, formatTime(r.now()), path,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotTracked
	}

	return nil
}
