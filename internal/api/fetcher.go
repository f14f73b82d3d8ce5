package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 60 * time.Second

// Request describes one API call. Form values, when present, are sent as a
// urlencoded POST body.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Form   url.Values
}

// FullURL returns URL with Query appended.
func (r *Request) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	return r.URL + sep + r.Query.Encode()
}

// Fetcher performs an API call and returns the response body. Non-2xx
// responses are reported as *HTTPError; anything else is a transport error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) ([]byte, error)

// Fetch calls fn(ctx, req).
func (fn FetcherFunc) Fetch(ctx context.Context, req *Request) ([]byte, error) {
	return fn(ctx, req)
}

// HTTPError is a response with a non-2xx status code.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("API error (status %d) for %s: %s", e.StatusCode, e.URL, body)
}

// StatusCode returns the HTTP status of err, or 0 if err is not an *HTTPError.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsPermissionDenied reports whether the API refused access to a resource,
// which for streams means it has become private.
func IsPermissionDenied(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.StatusCode {
	case http.StatusForbidden:
		return true
	case http.StatusBadRequest, http.StatusUnauthorized:
		return strings.Contains(strings.ToLower(httpErr.Body), "permission denied")
	}
	return false
}

// Authorizer adds credentials to an outgoing request.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// HTTPFetcher performs requests with an *http.Client.
type HTTPFetcher struct {
	client     *http.Client
	authorizer Authorizer
	userAgent  string
}

// NewHTTPFetcher creates a fetcher. A nil client gets a default one with
// DefaultTimeout; a nil authorizer sends unauthenticated requests.
func NewHTTPFetcher(client *http.Client, authorizer Authorizer) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPFetcher{
		client:     client,
		authorizer: authorizer,
		userAgent:  "readerarchive/1.0",
	}
}

// Fetch performs req.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Form != nil {
			method = http.MethodPost
		}
	}

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.FullURL(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	if f.authorizer != nil {
		if err := f.authorizer.Authorize(ctx, httpReq); err != nil {
			return nil, fmt.Errorf("authorize request: %w", err)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL, Body: string(respBody)}
	}
	return respBody, nil
}
