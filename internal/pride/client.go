// Package pride talks to the archive's REST API: file listings for a project, the
// checksum manifest and the private-data login, token validation and file listing.
package pride

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/telemetry"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

const (
	clientName = "pride"

	tokenValid = "Token Valid"

	maxErrorBody = 4 << 10
)

// Config configures the API client.
type Config struct {
	BaseURL        string
	PrivateBaseURL string
	ChecksumPath   string
	Timeout        time.Duration
}

// Client is an archive API client. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	telemetry  *telemetry.Telemetry
}

// NewClient creates a client. tel may be nil.
func NewClient(cfg Config, tel *telemetry.Telemetry) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		telemetry: tel,
	}
}

// fileRecord is one entry of the files/byProject listing.
type fileRecord struct {
	Accession           string `json:"accession"`
	FileName            string `json:"fileName"`
	FileSizeBytes       *int64 `json:"fileSizeBytes"`
	PublicFileLocations []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"publicFileLocations"`
}

func (r fileRecord) descriptor(accession string) transfer.FileDescriptor {
	d := transfer.FileDescriptor{
		Accession:    accession,
		FileName:     r.FileName,
		ExpectedSize: -1,
	}

	if r.FileSizeBytes != nil {
		d.ExpectedSize = *r.FileSizeBytes
	}

	for _, loc := range r.PublicFileLocations {
		d.Locations = append(d.Locations, transfer.Location{Name: loc.Name, Value: loc.Value})
	}

	return d
}

// PrivateFile is one file of a private dataset.
type PrivateFile struct {
	FileName    string
	DownloadURL string
	Size        int64
}

// RawFiles lists every RAW file of a project.
func (c *Client) RawFiles(ctx context.Context, accession string) ([]transfer.FileDescriptor, error) {
	return c.listFiles(ctx, "list_raw_files", accession, "fileCategory.value==RAW")
}

// FileByName looks up one file of a project. A missing file wraps transfer.ErrNotFound.
func (c *Client) FileByName(ctx context.Context, accession, fileName string) ([]transfer.FileDescriptor, error) {
	files, err := c.listFiles(ctx, "get_file_by_name", accession, "fileName=="+fileName)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("file %s in %s: %w", fileName, accession, transfer.ErrNotFound)
	}

	return files, nil
}

func (c *Client) listFiles(ctx context.Context, operation, accession, filter string) ([]transfer.FileDescriptor, error) {
	var records []fileRecord

	reqURL := c.cfg.BaseURL + "files/byProject?accession=" + url.QueryEscape(accession+","+filter)

	err := c.telemetry.InstrumentClientOperation(ctx, clientName, operation, func(ctx context.Context) error {
		return c.getJSON(ctx, c.httpClient, operation, reqURL, &records)
	})
	if err != nil {
		return nil, err
	}

	files := make([]transfer.FileDescriptor, 0, len(records))
	for _, r := range records {
		files = append(files, r.descriptor(accession))
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "listed project files", "operation", operation, "file_count", len(files))

	return files, nil
}

// ChecksumManifest fetches the tab-separated checksum manifest of a project.
func (c *Client) ChecksumManifest(ctx context.Context, accession string) ([]byte, error) {
	var body []byte

	reqURL := c.cfg.BaseURL + c.cfg.ChecksumPath + url.PathEscape(accession)

	err := c.telemetry.InstrumentClientOperation(ctx, clientName, "get_checksum", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create checksum request: %w", err)
		}

		req.Header.Set("Accept", "text/plain")

		body, err = c.do(c.httpClient, "get_checksum", req)

		return err
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// Login exchanges credentials for an API token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("user", username)

	var token string

	err := c.telemetry.InstrumentClientOperation(ctx, clientName, "login", func(ctx context.Context) error {
		payload := map[string]any{
			"Credentials": map[string]string{
				"username": username,
				"password": password,
			},
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode credentials: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.privateURL("login"), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create login request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/plain")

		resp, err := c.do(c.httpClient, "login", req)
		if err != nil {
			return &transfer.AuthenticationError{Operation: "login", Err: err}
		}

		token = strings.TrimSpace(string(resp))
		if token == "" {
			return &transfer.AuthenticationError{Operation: "login", Err: fmt.Errorf("empty token")}
		}

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to get token", "err", err)

		return "", err
	}

	return token, nil
}

// ValidateToken checks that token is valid and not expired.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	return c.telemetry.InstrumentClientOperation(ctx, clientName, "validate_token", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.privateURL("token-validation"), nil)
		if err != nil {
			return fmt.Errorf("failed to create token validation request: %w", err)
		}

		body, err := c.do(c.bearerClient(ctx, token), "validate_token", req)
		if err != nil {
			return &transfer.AuthenticationError{Operation: "validate_token", Err: err}
		}

		if strings.TrimSpace(string(body)) != tokenValid {
			return &transfer.AuthenticationError{Operation: "validate_token", Err: fmt.Errorf("token rejected")}
		}

		return nil
	})
}

type privatePage struct {
	Embedded struct {
		Files []struct {
			FileName      string `json:"fileName"`
			FileSizeBytes int64  `json:"fileSizeBytes"`
			Links         struct {
				Download struct {
					Href string `json:"href"`
				} `json:"download"`
			} `json:"_links"`
		} `json:"files"`
	} `json:"_embedded"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// PrivateFiles lists the files of a private project, following pagination.
func (c *Client) PrivateFiles(ctx context.Context, accession, token string) ([]PrivateFile, error) {
	var files []PrivateFile

	httpClient := c.bearerClient(ctx, token)
	next := c.privateURL("projects/" + url.PathEscape(accession) + "/files")
	seen := make(map[string]bool)

	err := c.telemetry.InstrumentClientOperation(ctx, clientName, "list_private_files", func(ctx context.Context) error {
		for next != "" && !seen[next] {
			seen[next] = true

			var page privatePage
			if err := c.getJSON(ctx, httpClient, "list_private_files", next, &page); err != nil {
				var netErr *transfer.NetworkError
				if errors.As(err, &netErr) && (netErr.StatusCode == http.StatusUnauthorized || netErr.StatusCode == http.StatusForbidden) {
					return &transfer.AuthenticationError{Operation: "list_private_files", Err: err}
				}

				return err
			}

			if len(page.Embedded.Files) == 0 {
				break
			}

			for _, f := range page.Embedded.Files {
				files = append(files, PrivateFile{
					FileName:    f.FileName,
					DownloadURL: f.Links.Download.Href,
					Size:        f.FileSizeBytes,
				})
			}

			next = ""
			if page.Links.Next != nil {
				next = page.Links.Next.Href
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// BearerClient returns an HTTP client that authenticates with token.
func (c *Client) BearerClient(ctx context.Context, token string) *http.Client {
	return c.bearerClient(ctx, token)
}

func (c *Client) bearerClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})

	return oauth2.NewClient(ctx, src)
}

func (c *Client) privateURL(path string) string {
	return strings.TrimRight(c.cfg.PrivateBaseURL, "/") + "/" + path
}

func (c *Client) getJSON(ctx context.Context, httpClient *http.Client, operation, reqURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}

	req.Header.Set("Accept", "application/json")

	body, err := c.do(httpClient, operation, req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &transfer.NetworkError{
			Operation:  operation,
			StatusCode: http.StatusOK,
			APIMessage: "failed to decode response",
			Err:        err,
		}
	}

	return nil
}

func (c *Client) do(httpClient *http.Client, operation string, req *http.Request) ([]byte, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &transfer.NetworkError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			APIMessage: strings.TrimSpace(string(b)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: operation, APIMessage: "failed to read response", Err: err}
	}

	return body, nil
}
