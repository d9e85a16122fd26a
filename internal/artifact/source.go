// Package artifact pulls the region plan and device filter blobs from
// their remote endpoint and keeps them fresh.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrNotModified is returned when the remote copy has not changed since the
// last successful fetch.
var ErrNotModified = errors.New("artifact not modified")

// maxArtifactSize bounds a single download
const maxArtifactSize = 16 << 20

// Fetcher returns the latest artifact bytes.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPSource fetches an artifact over HTTP(S), using ETags to skip
// unchanged downloads.
type HTTPSource struct {
	url        string
	httpClient *http.Client

	mu   sync.Mutex
	etag string
}

// NewHTTPSource creates a source for url
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch implements Fetcher
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.mu.Lock()
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, ErrNotModified
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("get %s: status %d", s.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.url, err)
	}
	if len(body) > maxArtifactSize {
		return nil, fmt.Errorf("artifact %s exceeds %d bytes", s.url, maxArtifactSize)
	}

	s.mu.Lock()
	s.etag = resp.Header.Get("ETag")
	s.mu.Unlock()

	return body, nil
}
