package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aktagon/article-archiver/internal/crawl"
	"github.com/aktagon/article-archiver/internal/logger"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ContentFetcher fetches pages over plain HTTP and runs the response through
// a handler chain
type ContentFetcher struct {
	handlers []ContentHandler
	client   *http.Client
}

// NewContentFetcher creates a new content fetcher with default handlers
func NewContentFetcher(settings *Settings) *ContentFetcher {
	f := &ContentFetcher{
		client: &http.Client{Timeout: settings.Fetch.Timeout},
	}

	// Register handlers (most specific first)
	f.AddHandler(&HTMLHandler{minBytes: settings.Fetch.MinBytes, marker: settings.Fetch.AntiBotMarker})
	f.AddHandler(&UnsupportedHandler{}) // fallback

	return f
}

// AddHandler adds a content handler to the chain
func (f *ContentFetcher) AddHandler(handler ContentHandler) {
	f.handlers = append(f.handlers, handler)
}

// Fetch fetches a page and processes it using the handler chain
func (f *ContentFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %w", crawl.ErrTransport, &HTTPError{StatusCode: resp.StatusCode, URL: url})
	}

	// Find handler based on URL + response headers
	for _, handler := range f.handlers {
		if handler.CanHandle(url, resp) {
			return handler.Handle(url, resp)
		}
	}

	return "", fmt.Errorf("no handler found for %s", url)
}

func classifyTransportError(url string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", crawl.ErrTimeout, url, err)
	}
	return fmt.Errorf("%w: %s: %v", crawl.ErrTransport, url, err)
}

// newFetcher builds the fetcher selected by fetch.mode
func newFetcher(settings *Settings, log logger.Logger) (crawl.Fetcher, error) {
	switch settings.Fetch.Mode {
	case fetchModeCDP:
		return NewCDPFetcher(settings, log), nil
	case fetchModeHTTP:
		return NewContentFetcher(settings), nil
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", settings.Fetch.Mode)
	}
}
