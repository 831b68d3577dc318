// processor.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aktagon/article-archiver/internal/archive"
	"github.com/aktagon/article-archiver/internal/content"
	"github.com/aktagon/article-archiver/internal/crawl"
	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/manifest"
	"github.com/aktagon/article-archiver/internal/media"
	"github.com/aktagon/article-archiver/internal/upload"
	"github.com/aktagon/article-archiver/internal/urlset"
)

// feishuURLKey is the manifest extra holding an uploaded document's URL
const feishuURLKey = "feishu_url"

// maxErrorRows caps the error listing in the stats report
const maxErrorRows = 10

// ArticleProcessor handles the main workflow
type ArticleProcessor struct {
	settings *Settings
	log      logger.Logger
	out      io.Writer

	fetcher    crawl.Fetcher
	driverOpts []crawl.Option
	mediaOpts  []media.Option
	uploadOpts []upload.Option
}

// ProcessorOption configures an ArticleProcessor
type ProcessorOption func(*ArticleProcessor)

// WithFetcher replaces the fetcher selected by fetch.mode
func WithFetcher(f crawl.Fetcher) ProcessorOption {
	return func(p *ArticleProcessor) { p.fetcher = f }
}

// WithOutput sets where reports are printed
func WithOutput(w io.Writer) ProcessorOption {
	return func(p *ArticleProcessor) { p.out = w }
}

// WithDriverOptions passes options to the crawl driver
func WithDriverOptions(opts ...crawl.Option) ProcessorOption {
	return func(p *ArticleProcessor) { p.driverOpts = append(p.driverOpts, opts...) }
}

// WithMediaOptions passes options to the image downloader
func WithMediaOptions(opts ...media.Option) ProcessorOption {
	return func(p *ArticleProcessor) { p.mediaOpts = append(p.mediaOpts, opts...) }
}

// WithUploadOptions passes options to the upload client
func WithUploadOptions(opts ...upload.Option) ProcessorOption {
	return func(p *ArticleProcessor) { p.uploadOpts = append(p.uploadOpts, opts...) }
}

// NewArticleProcessor creates a new processor over settings
func NewArticleProcessor(settings *Settings, log logger.Logger, opts ...ProcessorOption) *ArticleProcessor {
	p := &ArticleProcessor{
		settings: settings,
		log:      log,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ArticleProcessor) store() *manifest.Store {
	return manifest.NewStore(p.settings.OutputDirectory)
}

// Crawl merges source into the manifest and processes the queue. An empty
// source resumes from the existing manifest.
func (p *ArticleProcessor) Crawl(ctx context.Context, source string, opts RunOptions) (crawl.Summary, error) {
	store := p.store()
	if source == "" && !store.Exists() {
		return crawl.Summary{}, fmt.Errorf("no URL source given and no manifest at %s", store.Path())
	}

	m, err := store.Load()
	if err != nil {
		return crawl.Summary{}, err
	}

	if source != "" {
		urls, err := parseSource(source, p.log)
		if err != nil {
			return crawl.Summary{}, err
		}
		m = m.Merge(urls)
		if err := store.Save(m); err != nil {
			return crawl.Summary{}, fmt.Errorf("saving manifest: %w", err)
		}
		p.log.Info("Manifest ready",
			logger.String("path", store.Path()),
			logger.Int("urls", len(urls)),
			logger.Int("done", m.Done()),
		)
	}

	driver, err := p.driver(store, opts)
	if err != nil {
		return crawl.Summary{}, err
	}
	summary, err := driver.Run(ctx, m)
	p.printSummary(summary)
	return summary, err
}

// Retry resets failed records and crawls them again
func (p *ArticleProcessor) Retry(ctx context.Context, opts RunOptions) (crawl.Summary, error) {
	store := p.store()
	if !store.Exists() {
		return crawl.Summary{}, fmt.Errorf("no manifest at %s", store.Path())
	}
	m, err := store.Load()
	if err != nil {
		return crawl.Summary{}, err
	}

	driver, err := p.driver(store, opts)
	if err != nil {
		return crawl.Summary{}, err
	}
	summary, err := driver.Retry(ctx, m)
	if err == nil && summary.Reset == 0 {
		fmt.Fprintln(p.out, "No failed articles to retry.")
		return summary, nil
	}
	p.printSummary(summary)
	return summary, err
}

// parseSource resolves a URL or list file into the canonical URL sequence
func parseSource(source string, log logger.Logger) ([]string, error) {
	urls, err := urlset.Parse(source, log)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no URLs found in %s", source)
	}
	return urls, nil
}

func (p *ArticleProcessor) driver(store *manifest.Store, opts RunOptions) (*crawl.Driver, error) {
	fetcher := p.fetcher
	if fetcher == nil {
		var err error
		if fetcher, err = newFetcher(p.settings, p.log); err != nil {
			return nil, err
		}
	}

	extractor := content.NewExtractor(content.WeChat(), content.WithLogger(p.log))
	var images archive.ImageLocalizer
	if p.settings.Images.Enabled {
		images = media.NewDownloader(p.settings.mediaConfig(), p.log, p.mediaOpts...)
	}
	pipeline := archive.NewPipeline(p.settings.articlesDir(), extractor, images, p.log)

	processor := crawl.ProcessorFunc(func(ctx context.Context, rec *manifest.Record, raw string) (manifest.Outcome, error) {
		res, err := pipeline.Process(ctx, rec.Seq, rec.URL, raw)
		if err != nil {
			return manifest.Outcome{}, err
		}
		return res.Outcome(), nil
	})

	cfg := p.settings.crawlConfig()
	cfg.Force = opts.Force
	cfg.Limit = opts.Limit
	return crawl.NewDriver(fetcher, processor, store, cfg, p.log, p.driverOpts...), nil
}

func (p *ArticleProcessor) printSummary(s crawl.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Total", "Already done", "Processed", "OK", "Failed", "Elapsed"})
	t.AppendRow(table.Row{s.Total, s.Done, s.Processed, s.OK, s.Failed, s.Elapsed.Round(time.Second)})
	t.Render()

	if len(s.Failures) == 0 {
		return
	}
	f := table.NewWriter()
	f.SetOutputMirror(p.out)
	f.SetStyle(table.StyleLight)
	f.AppendHeader(table.Row{"#", "Article", "Errors"})
	for _, rec := range s.Failures {
		f.AppendRow(table.Row{rec.Seq, rec.Label(), strings.Join(rec.Errors, "\n")})
	}
	f.Render()
}

// Stats prints the manifest status breakdown, records with errors and disk
// usage of the output directory
func (p *ArticleProcessor) Stats() error {
	store := p.store()
	if !store.Exists() {
		return fmt.Errorf("no manifest at %s", store.Path())
	}
	m, err := store.Load()
	if err != nil {
		return err
	}

	total := m.Len()
	counts := m.Counts()
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Manifest: %s", store.Path())
	t.AppendHeader(table.Row{"Status", "Count", "Share"})
	for _, status := range []manifest.Status{
		manifest.StatusExtracted,
		manifest.StatusDownloaded,
		manifest.StatusPending,
		manifest.StatusFailed,
	} {
		t.AppendRow(table.Row{string(status), counts[status], percent(counts[status], total)})
	}
	t.AppendFooter(table.Row{"total", total, ""})
	t.Render()

	if withErrors := m.WithErrors(); len(withErrors) > 0 {
		e := table.NewWriter()
		e.SetOutputMirror(p.out)
		e.SetStyle(table.StyleLight)
		e.SetTitle("Records with errors (%d)", len(withErrors))
		e.AppendHeader(table.Row{"#", "Status", "Article", "Errors"})
		for i, rec := range withErrors {
			if i == maxErrorRows {
				e.AppendFooter(table.Row{"", "", fmt.Sprintf("... and %d more", len(withErrors)-maxErrorRows), ""})
				break
			}
			e.AppendRow(table.Row{rec.Seq, string(rec.Status), rec.Label(), strings.Join(rec.Errors, "\n")})
		}
		e.Render()
	}

	size, err := dirSize(p.settings.OutputDirectory)
	if err != nil {
		return fmt.Errorf("measuring output directory: %w", err)
	}
	articles, err := countDirs(p.settings.articlesDir())
	if err != nil {
		return fmt.Errorf("counting article directories: %w", err)
	}
	d := table.NewWriter()
	d.SetOutputMirror(p.out)
	d.SetStyle(table.StyleLight)
	d.AppendRow(table.Row{"Disk usage", humanBytes(size)})
	d.AppendRow(table.Row{"Article directories", articles})
	d.Render()
	return nil
}

// UploadResult is one row of an upload run
type UploadResult struct {
	Record *manifest.Record
	Result *upload.Result
	Err    error
}

// Upload publishes every extracted article that has not been uploaded yet
// and records the document URL in the manifest
func (p *ArticleProcessor) Upload(ctx context.Context) ([]UploadResult, error) {
	store := p.store()
	if !store.Exists() {
		return nil, fmt.Errorf("no manifest at %s", store.Path())
	}
	m, err := store.Load()
	if err != nil {
		return nil, err
	}

	var pending []*manifest.Record
	for _, rec := range m.Records() {
		if rec.Status != manifest.StatusExtracted || rec.DirName == "" {
			continue
		}
		if _, done := rec.ExtraString(feishuURLKey); done {
			continue
		}
		pending = append(pending, rec)
	}
	if len(pending) == 0 {
		fmt.Fprintln(p.out, "Nothing to upload.")
		return nil, nil
	}

	client := upload.NewClient(p.settings.uploadConfig(), p.log, p.uploadOpts...)
	if err := client.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	var results []UploadResult
	for i, rec := range pending {
		if err := ctx.Err(); err != nil {
			p.printUploads(results)
			return results, err
		}
		p.log.Info("Uploading article",
			logger.Int("index", i+1),
			logger.Int("count", len(pending)),
			logger.String("title", rec.Label()),
		)

		dir := filepath.Join(p.settings.articlesDir(), rec.DirName)
		res, err := client.UploadArticle(ctx, filepath.Join(dir, archive.MarkdownFile), filepath.Join(dir, archive.AssetsDir))
		results = append(results, UploadResult{Record: rec, Result: res, Err: err})
		if err != nil {
			p.log.Warn("Upload failed", logger.String("title", rec.Label()), logger.Error(err))
			continue
		}

		if err := rec.SetExtra(feishuURLKey, res.URL); err != nil {
			return results, err
		}
		if err := store.Save(m); err != nil {
			return results, fmt.Errorf("saving manifest: %w", err)
		}
	}

	p.printUploads(results)
	return results, nil
}

// UploadFile publishes a single Markdown file. assetsDir defaults to the
// assets directory next to it.
func (p *ArticleProcessor) UploadFile(ctx context.Context, mdPath, assetsDir string) (*upload.Result, error) {
	if assetsDir == "" {
		assetsDir = filepath.Join(filepath.Dir(mdPath), archive.AssetsDir)
	}
	client := upload.NewClient(p.settings.uploadConfig(), p.log, p.uploadOpts...)
	res, err := client.UploadArticle(ctx, mdPath, assetsDir)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(p.out, "Uploaded: %s\n", res.URL)
	return res, nil
}

func (p *ArticleProcessor) printUploads(results []UploadResult) {
	if len(results) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Article", "Blocks", "Images", "Document"})
	for _, r := range results {
		if r.Err != nil {
			t.AppendRow(table.Row{r.Record.Seq, r.Record.Label(), "-", "-", "error: " + r.Err.Error()})
			continue
		}
		t.AppendRow(table.Row{
			r.Record.Seq,
			r.Record.Label(),
			fmt.Sprintf("%d/%d", r.Result.BlocksOK, r.Result.BlocksTotal),
			fmt.Sprintf("%d/%d", r.Result.ImagesOK, r.Result.ImagesTotal),
			r.Result.URL,
		})
	}
	t.Render()
}

func percent(n, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(total))
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func countDirs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
