package transfer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bigbio/pride_downloader/internal/downloader/progress"
)

// Protocol identifies a transfer driver.
type Protocol int

const (
	FTP Protocol = iota + 1
	Aspera
	S3
	Globus
	// HTTPS is the authorized download of private dataset files. It is not selectable as a
	// batch protocol.
	HTTPS
	// Local copies files from a mounted copy of the archive. It is chosen by giving an
	// input folder, not by name.
	Local
)

// Location labels used by the archive's file listings.
const (
	FTPLocationLabel    = "FTP Protocol"
	AsperaLocationLabel = "Aspera Protocol"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{FTP, Aspera, S3, Globus}

// ParseProtocol maps a CLI protocol name to a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ftp":
		return FTP, nil
	case "aspera", "managed-transfer":
		return Aspera, nil
	case "s3", "object-store":
		return S3, nil
	case "globus", "accelerated-network":
		return Globus, nil
	}

	return 0, &ConfigurationError{
		Setting: "protocol",
		Reason:  fmt.Sprintf("%q is not one of ftp, aspera, s3, globus", name),
		Err:     ErrUnsupportedProtocol,
	}
}

func (p Protocol) String() string {
	switch p {
	case FTP:
		return "ftp"
	case Aspera:
		return "aspera"
	case S3:
		return "s3"
	case Globus:
		return "globus"
	case HTTPS:
		return "https"
	case Local:
		return "local"
	}

	return fmt.Sprintf("protocol(%d)", int(p))
}

// Label is the location name a protocol looks for in a file listing. S3 and Globus derive
// their URLs from the FTP locator.
func (p Protocol) Label() string {
	if p == Aspera {
		return AsperaLocationLabel
	}

	return FTPLocationLabel
}

// Location is one named alternative locator for a remote file.
type Location struct {
	Name  string
	Value string
}

// FileDescriptor describes one downloadable file as listed by the archive.
type FileDescriptor struct {
	Accession    string
	FileName     string
	Locations    []Location
	ExpectedSize int64 // -1 when unknown
}

// Task is a single file transfer handed to a driver.
type Task struct {
	Descriptor   FileDescriptor
	Source       string
	Destination  string
	ExpectedSize int64 // -1 when unknown
	ResumeOffset int64
}

// Host returns the host part of the task's source locator.
func (t *Task) Host() string {
	u, err := url.Parse(t.Source)
	if err != nil {
		return ""
	}

	return u.Host
}

// Status is the final state of a task.
type Status int

const (
	Succeeded Status = iota + 1
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// Outcome is the result of one task.
type Outcome struct {
	Task             *Task
	Status           Status
	Err              error
	BytesTransferred int64
	Attempts         int
}

// Stats describes the work a driver did for one task, also on failure.
type Stats struct {
	Bytes    int64
	Attempts int
}

// Client fetches one remote locator to one local path. A Client may be called concurrently
// for distinct tasks.
type Client interface {
	Protocol() Protocol
	Fetch(ctx context.Context, task *Task, sink progress.Sink) (Stats, error)
}

// Session is a Client that keeps a connection open across a batch. Sessions are driven
// sequentially and closed when the batch ends.
type Session interface {
	Client
	Close() error
}

// Preparer is implemented by clients that must validate their environment before a batch.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Resumer is implemented by clients that continue a partially written destination instead
// of overwriting it.
type Resumer interface {
	Resumable() bool
}

// IsResumable reports whether c continues partial files.
func IsResumable(c Client) bool {
	r, ok := c.(Resumer)
	return ok && r.Resumable()
}

// IsSession reports whether c must be driven sequentially with one connection per host.
// Wrappers report for the client they wrap.
func IsSession(c Client) bool {
	if w, ok := c.(interface{ IsSession() bool }); ok {
		return w.IsSession()
	}

	_, ok := c.(Session)

	return ok
}
