package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aktagon/article-archiver/internal/crawl"
)

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// ContentHandler processes responses based on response inspection
type ContentHandler interface {
	CanHandle(url string, resp *http.Response) bool
	Handle(url string, resp *http.Response) (string, error)
}

// HTMLHandler accepts article pages and checks them for anti-bot
// interstitials and truncated bodies
type HTMLHandler struct {
	minBytes int
	marker   string
}

func (h *HTMLHandler) CanHandle(url string, resp *http.Response) bool {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	return contentType == "" || strings.Contains(contentType, "html")
}

func (h *HTMLHandler) Handle(url string, resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response body: %v", crawl.ErrTransport, err)
	}

	html := string(body)
	if err := crawl.Classify(html, h.minBytes, h.marker); err != nil {
		return "", err
	}
	return html, nil
}

// UnsupportedHandler rejects anything that is not an article page (fallback)
type UnsupportedHandler struct{}

func (h *UnsupportedHandler) CanHandle(url string, resp *http.Response) bool {
	return true
}

func (h *UnsupportedHandler) Handle(url string, resp *http.Response) (string, error) {
	return "", fmt.Errorf("%w: unsupported content type %q for %s", crawl.ErrTransport, resp.Header.Get("Content-Type"), url)
}
