package downloader

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/bigbio/pride_downloader/internal/transfer"
)

// Summary counts the outcomes of a batch.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
}

// Summarize counts outcomes by status and adds up the bytes moved.
func Summarize(outcomes []transfer.Outcome) Summary {
	var s Summary

	for _, o := range outcomes {
		switch o.Status {
		case transfer.Succeeded:
			s.Succeeded++
		case transfer.Skipped:
			s.Skipped++
		default:
			s.Failed++
		}

		s.Bytes += o.BytesTransferred
	}

	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d skipped, %d failed, %s transferred",
		s.Succeeded, s.Skipped, s.Failed, humanize.Bytes(uint64(s.Bytes)))
}
