package downloader

import (
	"path/filepath"
	"strings"

	"github.com/bigbio/pride_downloader/internal/pride"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const downloadLocationLabel = "Download"

// selectPrivateFiles keeps the listed files named in names, in listing order. With no
// names every file is selected. Names without a listed file are returned as missing.
func selectPrivateFiles(files []pride.PrivateFile, names []string) (selected []pride.PrivateFile, missing []string) {
	if len(names) == 0 {
		return files, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = false
	}

	for _, f := range files {
		if found, ok := wanted[f.FileName]; ok && !found {
			wanted[f.FileName] = true
			selected = append(selected, f)
		}
	}

	for _, n := range names {
		if !wanted[n] {
			missing = append(missing, n)
			wanted[n] = true
		}
	}

	return selected, missing
}

// privateTask places a private file under {outputDir}/{accession}/{fileName}.
func privateTask(accession string, f pride.PrivateFile, outputDir string) (*transfer.Task, error) {
	name := f.FileName
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, &transfer.TerminalError{Operation: "resolve", Reason: "invalid file name", Err: &transfer.MalformedLocatorError{Locator: f.FileName}}
	}

	if f.DownloadURL == "" {
		return nil, &transfer.TerminalError{Operation: "resolve", Reason: "no download link", Err: &transfer.MalformedLocatorError{Locator: f.FileName}}
	}

	size := f.Size
	if size <= 0 {
		size = -1
	}

	return &transfer.Task{
		Descriptor: transfer.FileDescriptor{
			Accession:    accession,
			FileName:     name,
			Locations:    []transfer.Location{{Name: downloadLocationLabel, Value: f.DownloadURL}},
			ExpectedSize: size,
		},
		Source:       f.DownloadURL,
		Destination:  filepath.Join(outputDir, accession, name),
		ExpectedSize: size,
	}, nil
}
