package profile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxProfileBytes bounds the size of a fetched document. MUD files are
// typically a few KB; anything near this limit is hostile or broken.
const maxProfileBytes = 4 << 20

// Fetcher retrieves the raw bytes of a profile document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches profile documents over plain HTTP(S) GET.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher returns a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "mudward-controller",
	}
}

// Fetch performs the GET. Transport failures and non-2xx statuses both count
// as fetch failures; body shape is the parser's problem.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/mud+json, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if len(body) > maxProfileBytes {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("document exceeds %d bytes", maxProfileBytes)}
	}
	return body, nil
}
