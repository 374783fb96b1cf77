package transfer

import (
	"net/url"
	"path/filepath"
	"strings"
)

// ResolveLocator picks the locator to use for protocol. The entry named after the
// protocol's label wins; otherwise the other entry is assumed compatible and returned.
// The caller still uses the originally selected driver against whatever comes back.
func ResolveLocator(locations []Location, protocol Protocol) (string, error) {
	if len(locations) == 0 {
		return "", &MalformedLocatorError{}
	}

	label := protocol.Label()

	for _, loc := range locations {
		if loc.Name == label {
			return loc.Value, nil
		}
	}

	for _, loc := range locations {
		if loc.Value != "" {
			return loc.Value, nil
		}
	}

	return "", &MalformedLocatorError{Locator: locations[0].Value}
}

// RemoteBaseName returns the last "/"-delimited segment of a locator, ignoring any query
// or fragment.
func RemoteBaseName(locator string) (string, error) {
	path := locator
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" {
		path = u.Path
	}

	i := strings.LastIndex(path, "/")
	if i < 0 || i == len(path)-1 {
		return "", &MalformedLocatorError{Locator: locator}
	}

	return path[i+1:], nil
}

// DestinationPath is the deterministic local path for a locator. Files sharing a base name
// across accessions collide unless prefixAccession is set.
func DestinationPath(outputDir, accession, locator string, prefixAccession bool) (string, error) {
	name, err := RemoteBaseName(locator)
	if err != nil {
		return "", err
	}

	if prefixAccession && accession != "" {
		name = accession + "-" + name
	}

	return filepath.Join(outputDir, name), nil
}

// NewTask resolves a descriptor into a task for protocol.
func NewTask(d FileDescriptor, protocol Protocol, outputDir string, prefixAccession bool) (*Task, error) {
	source, err := ResolveLocator(d.Locations, protocol)
	if err != nil {
		return nil, err
	}

	dest, err := DestinationPath(outputDir, d.Accession, source, prefixAccession)
	if err != nil {
		return nil, err
	}

	size := d.ExpectedSize
	if size == 0 {
		size = -1
	}

	return &Task{
		Descriptor:   d,
		Source:       source,
		Destination:  dest,
		ExpectedSize: size,
	}, nil
}
