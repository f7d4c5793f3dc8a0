// Package fetch retrieves remote geometry packages into session-scoped
// working directories.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"partvision/internal/metrics"
)

// Result is the tagged outcome of a fetch. Exactly one of LocalPath or Error
// is meaningful, selected by OK.
type Result struct {
	OK        bool
	LocalPath string
	Error     string
	URL       string
	// StatusCode is set only for non-success transport responses.
	StatusCode int
}

// FetcherOption configures the fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithStorageToken sets the credential attached to outbound requests.
func WithStorageToken(token string) FetcherOption {
	return func(f *Fetcher) {
		f.token = token
	}
}

// Fetcher downloads geometry packages from the upstream storage service.
type Fetcher struct {
	client  *http.Client
	token   string
	workdir string
	logger  *slog.Logger
}

// NewFetcher creates a fetcher rooted at workdir. Each session gets its own
// subdirectory of workdir.
func NewFetcher(workdir string, logger *slog.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		workdir: workdir,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SessionDir returns the working directory for a session id.
func (f *Fetcher) SessionDir(sessionID string) string {
	return filepath.Join(f.workdir, sessionID)
}

// Fetch downloads rawURL into the session's working directory, named after
// the URL's final path segment. It never returns an error; every failure is
// represented in the Result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, sessionID string) Result {
	if sessionID == "" {
		return Result{Error: "session id is required", URL: rawURL}
	}

	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return Result{Error: fmt.Sprintf("invalid artifact URL: %s", rawURL), URL: rawURL}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Error: err.Error(), URL: rawURL}
	}
	if f.token != "" {
		// Both conventions are attached so either upstream auth style works.
		req.Header.Set("X-Storage-Token", f.token)
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return Result{Error: err.Error(), URL: rawURL}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return Result{
			Error:      fmt.Sprintf("Failed to fetch artifact: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			URL:        rawURL,
			StatusCode: resp.StatusCode,
		}
	}

	dir := f.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Error: err.Error(), URL: rawURL}
	}

	dest := filepath.Join(dir, fileNameFromURL(u))
	out, err := os.Create(dest)
	if err != nil {
		return Result{Error: err.Error(), URL: rawURL}
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return Result{Error: err.Error(), URL: rawURL}
	}
	if err := out.Close(); err != nil {
		return Result{Error: err.Error(), URL: rawURL}
	}

	metrics.FetchesTotal.WithLabelValues("ok").Inc()
	f.logger.Debug("artifact fetched",
		slog.String("url", rawURL),
		slog.String("path", dest),
	)
	return Result{OK: true, LocalPath: dest, URL: rawURL}
}

// fileNameFromURL derives the destination file name from the URL's final
// path segment, falling back to a fixed name for bare paths.
func fileNameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || strings.Contains(name, "..") {
		return "artifact.3mf"
	}
	return name
}
