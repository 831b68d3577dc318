// Package media downloads the images referenced by a content tree into a
// local assets directory and rewrites the tree to point at the local copies.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aktagon/article-archiver/internal/content"
	"github.com/aktagon/article-archiver/internal/logger"
)

var wxFormatRe = regexp.MustCompile(`wx_fmt=(\w+)`)

// Config holds provider-specific download settings.
type Config struct {
	Referer   string
	UserAgent string
	Retries   int
	MinBytes  int
	Timeout   time.Duration
	RetryWait time.Duration
}

// DefaultConfig returns the settings WeChat's image CDN expects.
func DefaultConfig() Config {
	return Config{
		Referer:   "https://mp.weixin.qq.com/",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Retries:   2,
		MinBytes:  100,
		Timeout:   30 * time.Second,
		RetryWait: time.Second,
	}
}

// Stats aggregates the outcome of one Localize pass. Skipped images are
// also counted as OK.
type Stats struct {
	Total   int   `json:"total"`
	OK      int   `json:"ok"`
	Failed  int   `json:"failed"`
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

// Downloader fetches images over a single reused HTTP client.
type Downloader struct {
	client *http.Client
	cfg    Config
	log    logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithSleep replaces the wait between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Downloader) { d.sleep = fn }
}

// NewDownloader creates a Downloader.
func NewDownloader(cfg Config, log logger.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Localize downloads every http(s) image in root into assetsDir. Each image
// is named img_<counter>_<hash><ext>, where the counter is the image's
// position among remote images. Images already present on disk are not
// fetched again. Downloaded images get their Src rewritten to the relative
// path; failed ones keep the remote URL.
func (d *Downloader) Localize(ctx context.Context, root content.Node, assetsDir string) (Stats, error) {
	var stats Stats
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return stats, fmt.Errorf("creating assets directory: %w", err)
	}
	existing, err := indexAssets(assetsDir, d.cfg.MinBytes)
	if err != nil {
		return stats, err
	}
	relDir := filepath.Base(assetsDir)

	counter := 0
	for _, img := range content.Images(root) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !isRemote(img.Src) {
			continue
		}
		stats.Total++
		counter++
		stem := fmt.Sprintf("img_%03d_%s", counter, urlHash(img.Src))

		if name, ok := existing[stem]; ok {
			img.Src = relDir + "/" + name
			stats.Skipped++
			stats.OK++
			continue
		}

		name, n, err := d.download(ctx, img.Src, stem, assetsDir)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			d.log.Warn("Image download failed",
				logger.String("url", img.Src),
				logger.Error(err),
			)
			stats.Failed++
			continue
		}
		d.log.Debug("Image downloaded",
			logger.String("file", name),
			logger.Int("bytes", n),
		)
		img.Src = relDir + "/" + name
		stats.OK++
		stats.Bytes += int64(n)
	}
	return stats, nil
}

func (d *Downloader) download(ctx context.Context, src, stem, dir string) (string, int, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.cfg.RetryWait*time.Duration(attempt)); err != nil {
				return "", 0, err
			}
		}
		data, contentType, err := d.fetch(ctx, src)
		if err != nil {
			lastErr = err
			continue
		}
		name := stem + Extension(src, contentType)
		if err := writeFile(filepath.Join(dir, name), data); err != nil {
			return "", 0, fmt.Errorf("writing %s: %w", name, err)
		}
		return name, len(data), nil
	}
	return "", 0, fmt.Errorf("after %d attempts: %w", d.cfg.Retries+1, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	if d.cfg.Referer != "" {
		req.Header.Set("Referer", d.cfg.Referer)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if len(data) < d.cfg.MinBytes {
		return nil, "", fmt.Errorf("image too small (%d bytes)", len(data))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Extension picks a file extension from the response content type, then
// the URL path, then WeChat's wx_fmt query parameter, defaulting to .jpg.
func Extension(src, contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "webp"):
		return ".webp"
	case strings.Contains(ct, "svg"):
		return ".svg"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	}

	if u, err := url.Parse(src); err == nil {
		p := strings.ToLower(u.Path)
		for _, ext := range []string{".png", ".gif", ".webp", ".svg", ".jpg", ".jpeg"} {
			if strings.Contains(p, ext) {
				if ext == ".jpeg" {
					return ".jpg"
				}
				return ext
			}
		}
	}

	if m := wxFormatRe.FindStringSubmatch(src); m != nil {
		f := strings.ToLower(m[1])
		if f == "jpeg" {
			f = "jpg"
		}
		return "." + f
	}
	return ".jpg"
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func urlHash(src string) string {
	sum := md5.Sum([]byte(src))
	return hex.EncodeToString(sum[:])[:8]
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// writeFile writes data to a temporary sibling and renames it into place so
// an interrupted write never leaves a truncated image under the final name.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// indexAssets maps file stems to names for the files in dir holding at
// least minBytes. Smaller files are placeholders or partial writes.
func indexAssets(dir string, minBytes int) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading assets directory: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 || info.Size() < int64(minBytes) {
			continue
		}
		name := e.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if _, ok := out[stem]; !ok {
			out[stem] = name
		}
	}
	return out, nil
}
