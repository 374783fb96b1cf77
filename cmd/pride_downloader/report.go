package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/bigbio/pride_downloader/internal/downloader"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

// printReport writes one line per file and a summary line.
func printReport(w io.Writer, outcomes []transfer.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "STATUS\tFILE\tTRANSFERRED\tATTEMPTS\tERROR")

	for _, o := range outcomes {
		name, target := "", ""
		if o.Task != nil {
			name = o.Task.Descriptor.FileName
			target = o.Task.Destination
		}

		if target == "" {
			target = name
		}

		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", o.Status, target, humanize.Bytes(uint64(o.BytesTransferred)), o.Attempts, errText)
	}

	_ = tw.Flush()

	fmt.Fprintln(w, downloader.Summarize(outcomes))
}
