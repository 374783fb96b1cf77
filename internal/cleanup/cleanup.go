package cleanup

import (
	"context"
	"errors"
	"os"

	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/storage"
)

// RemovePartial deletes a destination left behind by an interrupted non-resumable transfer,
// so a later skip check cannot mistake it for a complete file.
func RemovePartial(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		logger.ErrorContext(ctx, "failed to remove partial file", "file", path, "err", err)

		return err
	}

	logger.DebugContext(ctx, "removed partial file", "file", path)

	return nil
}

// DeleteIncompleteFiles removes files whose ledger record shows an unfinished attempt with
// a protocol that cannot resume. Records for resumable protocols are left for the driver
// to continue.
func DeleteIncompleteFiles(ctx context.Context, records []storage.DownloadRecord, resumable func(protocol string) bool) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	removed := 0

	for _, rec := range records {
		if rec.Complete() || resumable(rec.Protocol) {
			continue
		}

		if _, err := os.Stat(rec.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to stat file", "file", rec.Path, "err", err)

			return removed, err
		}

		if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete incomplete file", "file", rec.Path, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted incomplete file", "file", rec.Path, "status", rec.Status, "protocol", rec.Protocol)
	}

	return removed, nil
}
