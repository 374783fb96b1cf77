package transfer

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound marks a remote object that does not exist.
	ErrNotFound = errors.New("remote file not found")
	// ErrNotAttempted marks a task abandoned before its transfer started.
	ErrNotAttempted = errors.New("transfer not attempted")
	// ErrUnsupportedProtocol is returned for protocol names outside the supported set.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrUnsupportedPlatform is returned when no transfer binary exists for this OS/architecture.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrDuplicateDestination marks a descriptor whose destination is already used in the batch.
	ErrDuplicateDestination = errors.New("destination already targeted by another file in the batch")
	// ErrChecksumMismatch marks a downloaded file whose digest differs from the manifest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ConfigurationError represents setup failures (output directory, protocol, platform) that
// abort a batch before any transfer starts.
type ConfigurationError struct {
	Setting string // The setting that is invalid (e.g., "protocol", "output_dir")
	Reason  string // Human-readable explanation
	Err     error  // Underlying error, if any
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Setting, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NetworkError represents HTTP API failures including 5xx responses, timeouts and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "list_files", "get_checksum")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents credential and token failures on the private-data path.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// TransientError wraps a failure worth retrying: timeouts, throttling, temporary FTP replies.
type TransientError struct {
	Operation string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// TerminalError wraps a failure that no retry can fix: missing object, permission denied.
type TerminalError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Reason)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// ConnectionError reports that a control connection to Host could not be (re)established.
// Every remaining task on that host is abandoned.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s lost: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MalformedLocatorError is returned when no file name can be derived from a locator.
type MalformedLocatorError struct {
	Locator string
}

func (e *MalformedLocatorError) Error() string {
	return fmt.Sprintf("malformed locator %q", e.Locator)
}

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var conn *ConnectionError
	if errors.As(err, &conn) {
		return true
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return IsRetryableStatus(netErr.StatusCode) || (netErr.StatusCode == 0 && netErr.Err != nil && IsRetryable(netErr.Err))
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	return false
}

// IsRetryableStatus reports whether an HTTP status code is worth retrying.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
