package downloader

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

// checksums maps accession to file name to lowercase hex SHA-1. Nil when verification is
// off.
type checksums map[string]map[string]string

// ManifestPath is where the checksum manifest of accession is written.
func ManifestPath(outputDir, accession string) string {
	return filepath.Join(outputDir, accession+"-checksum.tsv")
}

// ParseManifest reads "<file name>\t<sha1>" lines. Blank lines, comments and lines whose
// second column is not a SHA-1 digest (such as a header) are ignored.
func ParseManifest(data []byte) map[string]string {
	sums := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			fields = strings.Fields(line)
		}

		if len(fields) < 2 {
			continue
		}

		name := strings.TrimSpace(fields[0])
		sum := strings.ToLower(strings.TrimSpace(fields[1]))

		if len(sum) != 2*sha1.Size {
			continue
		}

		if _, err := hex.DecodeString(sum); err != nil {
			continue
		}

		sums[name] = sum
	}

	return sums
}

// fetchChecksums fetches and stores the manifest of every accession in the batch. Failures
// are logged and leave that accession unverified.
func (d *Downloader) fetchChecksums(ctx context.Context, descriptors []transfer.FileDescriptor, outputDir string) checksums {
	logger := logctx.LoggerFromContext(ctx)
	sums := make(checksums)

	for _, desc := range descriptors {
		if desc.Accession == "" {
			continue
		}

		if _, done := sums[desc.Accession]; done {
			continue
		}

		sums[desc.Accession] = nil

		data, err := d.catalog.ChecksumManifest(ctx, desc.Accession)
		if err != nil {
			logger.WarnContext(ctx, "failed to fetch checksum manifest", "accession", desc.Accession, "err", err)
			continue
		}

		path := ManifestPath(outputDir, desc.Accession)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			logger.WarnContext(ctx, "failed to write checksum manifest", "target", path, "err", err)
		} else {
			logger.InfoContext(ctx, "saved checksum manifest", "target", path)
		}

		sums[desc.Accession] = ParseManifest(data)
	}

	return sums
}

// verify checks the downloaded file against its manifest entry. Files without an entry
// pass.
func (c checksums) verify(ctx context.Context, task *transfer.Task) error {
	if c == nil {
		return nil
	}

	want, ok := c[task.Descriptor.Accession][task.Descriptor.FileName]
	if !ok {
		return nil
	}

	got, err := fileSHA1(task.Destination)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", task.Destination, err)
	}

	if got != want {
		return fmt.Errorf("%s: got %s, want %s: %w", task.Descriptor.FileName, got, want, transfer.ErrChecksumMismatch)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "checksum verified", "file_name", task.Descriptor.FileName)

	return nil
}

func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
