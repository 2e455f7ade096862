package tooling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseSize caps how much of a body is read; longer bodies are cut.
const maxResponseSize = 10 << 20

// HTTPFetcher GETs a URL and returns its body.
type HTTPFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FormPoster POSTs a url-encoded form and returns the response body.
type FormPoster interface {
	PostForm(ctx context.Context, target string, form url.Values) ([]byte, error)
}

// StatusError reports a non-200 response. An empty Method means GET.
type StatusError struct {
	Method string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("%s %s: HTTP %d %s", method, e.URL, e.Status, http.StatusText(e.Status))
}

// DefaultHTTPFetcher is the net/http HTTPFetcher used by the web tools.
type DefaultHTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewDefaultHTTPFetcher gives up after 30s, or sooner if the call's context ends.
func NewDefaultHTTPFetcher() *DefaultHTTPFetcher {
	return &DefaultHTTPFetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "Steward/1.0 (+https://github.com/steward)",
	}
}

var (
	fetchNewRequestFunc = http.NewRequestWithContext
	fetchReadAllFunc    = io.ReadAll
)

func (f *DefaultHTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := fetchNewRequestFunc(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,image/*;q=0.9,*/*;q=0.8")

	return f.do(req)
}

// PostForm sends form url-encoded and returns the response body. Errors
// never include the form.
func (f *DefaultHTTPFetcher) PostForm(ctx context.Context, target string, form url.Values) ([]byte, error) {
	req, err := fetchNewRequestFunc(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return f.do(req)
}

func (f *DefaultHTTPFetcher) do(req *http.Request) ([]byte, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: req.Method, URL: req.URL.String(), Status: resp.StatusCode}
	}

	body, err := fetchReadAllFunc(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("fetch: read response: %w", err)
	}
	return body, nil
}
