package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aktagon/article-archiver/internal/archive"
	"github.com/aktagon/article-archiver/internal/crawl"
	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/manifest"
	"github.com/aktagon/article-archiver/internal/upload"
)

const (
	urlOne = "https://mp.weixin.qq.com/s/one"
	urlTwo = "https://mp.weixin.qq.com/s/two"
)

func noSleep(context.Context, time.Duration) error { return nil }

// pageFetcher serves canned pages and fails for URLs it does not know
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (f *pageFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	page, ok := f.pages[url]
	if !ok {
		return "", fmt.Errorf("%w: connection reset", crawl.ErrTransport)
	}
	return page, nil
}

func (f *pageFetcher) set(url, page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

func wechatPage(title, body string) string {
	return `<html><head><script>var msg_title = '` + title + `'; var nickname = "公众号";</script></head>` +
		`<body><div id="js_content">` + body + `</div></body></html>`
}

func newTestProcessor(t *testing.T, fetcher crawl.Fetcher) (*ArticleProcessor, *Settings, *bytes.Buffer) {
	t.Helper()
	settings := testSettings(t)
	settings.Images.Enabled = false
	settings.Crawl.MaxRetries = 0
	var out bytes.Buffer
	p := NewArticleProcessor(settings, logger.NewNop(),
		WithFetcher(fetcher),
		WithOutput(&out),
		WithDriverOptions(crawl.WithSleep(noSleep)),
	)
	return p, settings, &out
}

func TestCrawlStatsRetry(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]string{
		urlOne: wechatPage("第一篇", "<p>Hello <strong>world</strong></p>"),
	}}
	p, settings, out := newTestProcessor(t, fetcher)

	list := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte("# list\n"+urlOne+"\n\n"+urlTwo+"\n"+urlOne+"\n"), 0o644))

	summary, err := p.Crawl(context.Background(), list, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, urlTwo, summary.Failures[0].URL)
	assert.Contains(t, out.String(), "download failed")

	m, err := manifest.NewStore(settings.OutputDirectory).Load()
	require.NoError(t, err)
	one, ok := m.Get(urlOne)
	require.True(t, ok)
	assert.Equal(t, manifest.StatusExtracted, one.Status)
	assert.Equal(t, "第一篇", one.Title)
	assert.Equal(t, "0001_第一篇", one.DirName)
	assert.Equal(t, "公众号", one.Author)

	md, err := os.ReadFile(filepath.Join(settings.articlesDir(), one.DirName, archive.MarkdownFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(md), "# 第一篇\n\nAuthor: 公众号\n"))
	assert.Contains(t, string(md), "Hello **world**")
	assert.FileExists(t, filepath.Join(settings.articlesDir(), one.DirName, archive.RawFile))
	assert.FileExists(t, filepath.Join(settings.articlesDir(), one.DirName, archive.HTMLFile))

	two, _ := m.Get(urlTwo)
	assert.Equal(t, manifest.StatusFailed, two.Status)
	require.NotEmpty(t, two.Errors)
	assert.Contains(t, two.Errors[0], "download failed")

	out.Reset()
	require.NoError(t, p.Stats())
	stats := out.String()
	assert.Contains(t, stats, "extracted")
	assert.Contains(t, stats, "50.0%")
	assert.Contains(t, stats, "Records with errors (1)")
	assert.Contains(t, stats, "Article directories")

	fetcher.set(urlTwo, wechatPage("第二篇", "<p>second</p>"))
	out.Reset()
	summary, err = p.Retry(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reset)
	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, 0, summary.Failed)

	m, err = manifest.NewStore(settings.OutputDirectory).Load()
	require.NoError(t, err)
	two, _ = m.Get(urlTwo)
	assert.Equal(t, manifest.StatusExtracted, two.Status)
	assert.Empty(t, two.Errors)
	assert.Equal(t, "0002_第二篇", two.DirName)

	out.Reset()
	_, err = p.Retry(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No failed articles to retry.")
}

func TestCrawlResumesFromManifest(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]string{
		urlOne: wechatPage("One", "<p>1</p>"),
		urlTwo: wechatPage("Two", "<p>2</p>"),
	}}
	p, _, _ := newTestProcessor(t, fetcher)

	_, err := p.Crawl(context.Background(), "", RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no URL source")

	list := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte(urlOne+"\n"+urlTwo+"\n"), 0o644))
	summary, err := p.Crawl(context.Background(), list, RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	summary, err = p.Crawl(context.Background(), "", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, []string{urlOne, urlTwo}, fetcher.calls)

	// everything done: nothing is fetched again
	_, err = p.Crawl(context.Background(), "", RunOptions{})
	require.NoError(t, err)
	assert.Len(t, fetcher.calls, 2)
}

func TestCrawlSingleURLSource(t *testing.T) {
	fetcher := &pageFetcher{pages: map[string]string{urlOne: wechatPage("Solo", "<p>x</p>")}}
	p, _, _ := newTestProcessor(t, fetcher)

	summary, err := p.Crawl(context.Background(), urlOne, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OK)
}

func TestCrawlEmptyListFile(t *testing.T) {
	p, _, _ := newTestProcessor(t, &pageFetcher{pages: map[string]string{}})
	list := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte("# nothing yet\n"), 0o644))

	_, err := p.Crawl(context.Background(), list, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no URLs found")
}

func TestStatsWithoutManifest(t *testing.T) {
	p, _, _ := newTestProcessor(t, &pageFetcher{})
	assert.Error(t, p.Stats())
}

func fakeFeishu(t *testing.T, auths *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(auths, 1)
		w.Write([]byte(`{"code":0,"msg":"ok","tenant_access_token":"t-1","expire":7200}`))
	})
	mux.HandleFunc("POST /docx/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"document":{"document_id":"doc1"}}}`))
	})
	mux.HandleFunc("POST /docx/v1/documents/doc1/blocks/doc1/children", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"children":[{"block_id":"b1"}]}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestUploadRecordsDocumentURL(t *testing.T) {
	var auths int32
	server := fakeFeishu(t, &auths)

	settings := testSettings(t)
	settings.Feishu.BaseURL = server.URL
	settings.Feishu.AppID = "cli_test"
	settings.Feishu.AppSecret = "secret"

	dirName := "0001_Hello"
	articleDir := filepath.Join(settings.articlesDir(), dirName)
	require.NoError(t, os.MkdirAll(articleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(articleDir, archive.MarkdownFile),
		[]byte("# Hello\n\n---\n\nFirst line.\n\n- a\n- b\n"), 0o644))

	store := manifest.NewStore(settings.OutputDirectory)
	m := manifest.New(nil).Merge([]string{urlOne, urlTwo})
	one, _ := m.Get(urlOne)
	one.MarkExtracted(manifest.Outcome{Title: "Hello", DirName: dirName})
	require.NoError(t, store.Save(m))

	var out bytes.Buffer
	p := NewArticleProcessor(settings, logger.NewNop(),
		WithOutput(&out),
		WithUploadOptions(upload.WithSleep(noSleep)),
	)

	results, err := p.Upload(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "https://feishu.cn/docx/doc1", results[0].Result.URL)
	assert.Contains(t, out.String(), "https://feishu.cn/docx/doc1")

	reloaded, err := store.Load()
	require.NoError(t, err)
	rec, _ := reloaded.Get(urlOne)
	docURL, ok := rec.ExtraString(feishuURLKey)
	require.True(t, ok)
	assert.Equal(t, "https://feishu.cn/docx/doc1", docURL)
	pending, _ := reloaded.Get(urlTwo)
	_, ok = pending.ExtraString(feishuURLKey)
	assert.False(t, ok)

	out.Reset()
	results, err = p.Upload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Contains(t, out.String(), "Nothing to upload.")
	assert.Equal(t, int32(1), atomic.LoadInt32(&auths))
}

func TestUploadWithoutCredentials(t *testing.T) {
	settings := testSettings(t)
	settings.Feishu.AppID = ""
	settings.Feishu.AppSecret = ""

	store := manifest.NewStore(settings.OutputDirectory)
	m := manifest.New(nil).Merge([]string{urlOne})
	rec, _ := m.Get(urlOne)
	rec.MarkExtracted(manifest.Outcome{Title: "T", DirName: "0001_T"})
	require.NoError(t, store.Save(m))

	p := NewArticleProcessor(settings, logger.NewNop(), WithOutput(&bytes.Buffer{}))
	_, err := p.Upload(context.Background())
	assert.ErrorIs(t, err, upload.ErrNoCredentials)
}

func TestUploadFile(t *testing.T) {
	var auths int32
	server := fakeFeishu(t, &auths)

	settings := testSettings(t)
	settings.Feishu.BaseURL = server.URL
	settings.Feishu.AppID = "cli_test"
	settings.Feishu.AppSecret = "secret"

	md := filepath.Join(t.TempDir(), "article.md")
	require.NoError(t, os.WriteFile(md, []byte("# Standalone\n\nBody.\n"), 0o644))

	var out bytes.Buffer
	p := NewArticleProcessor(settings, logger.NewNop(), WithOutput(&out), WithUploadOptions(upload.WithSleep(noSleep)))
	res, err := p.UploadFile(context.Background(), md, "")
	require.NoError(t, err)
	assert.Equal(t, "doc1", res.DocumentID)
	assert.Contains(t, out.String(), "Uploaded: https://feishu.cn/docx/doc1")
}

func TestPercentAndHumanBytes(t *testing.T) {
	assert.Equal(t, "0.0%", percent(0, 0))
	assert.Equal(t, "33.3%", percent(1, 3))
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 MiB", humanBytes(2*1024*1024))
}
