package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/aktagon/article-archiver/internal/crawl"
	"github.com/aktagon/article-archiver/internal/logger"
)

const cdpCheckTimeout = 5 * time.Second

// CDPFetcher loads pages in an already running Chrome over the DevTools
// protocol, so requests carry a real browser's fingerprint
type CDPFetcher struct {
	endpoint string
	timeout  time.Duration
	minBytes int
	marker   string
	client   *http.Client
	log      logger.Logger
}

// NewCDPFetcher creates a fetcher for the endpoint in fetch.cdp_url
func NewCDPFetcher(settings *Settings, log logger.Logger) *CDPFetcher {
	return &CDPFetcher{
		endpoint: strings.TrimRight(settings.Fetch.CDPURL, "/"),
		timeout:  settings.Fetch.Timeout,
		minBytes: settings.Fetch.MinBytes,
		marker:   settings.Fetch.AntiBotMarker,
		client:   &http.Client{Timeout: cdpCheckTimeout},
		log:      log,
	}
}

// Check verifies the DevTools endpoint answers /json/version
func (f *CDPFetcher) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/json/version", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to Chrome DevTools at %s (start Chrome with --remote-debugging-port): %w", f.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}

	var info struct {
		Browser string `json:"Browser"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("decoding /json/version: %w", err)
	}
	if info.Browser == "" {
		info.Browser = "unknown"
	}
	f.log.Info("Chrome DevTools ready", logger.String("endpoint", f.endpoint), logger.String("browser", info.Browser))
	return nil
}

// Fetch opens url in a new tab and returns the rendered document markup
func (f *CDPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, f.endpoint)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	runCtx, cancelRun := context.WithTimeout(tabCtx, f.timeout)
	defer cancelRun()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", classifyRunError(url, err, runCtx.Err())
	}

	if err := crawl.Classify(html, f.minBytes, f.marker); err != nil {
		return "", err
	}
	return html, nil
}

// classifyRunError maps a chromedp failure onto the fetch error taxonomy
func classifyRunError(url string, err, ctxErr error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", crawl.ErrTimeout, url)
	}
	return fmt.Errorf("%w: %s: %v", crawl.ErrTransport, url, err)
}
