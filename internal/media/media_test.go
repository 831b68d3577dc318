package media

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aktagon/article-archiver/internal/content"
	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBody = bytes.Repeat([]byte{0x89}, 256)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestDownloader(srv *httptest.Server, rec *sleepRecorder) *Downloader {
	return NewDownloader(DefaultConfig(), logger.NewNop(),
		WithHTTPClient(srv.Client()),
		WithSleep(rec.sleep),
	)
}

func imageTree(srcs ...string) (*content.Container, []*content.Image) {
	root := &content.Container{Tag: "div"}
	imgs := make([]*content.Image, 0, len(srcs))
	for _, src := range srcs {
		img := &content.Image{Src: src, Alt: "a"}
		imgs = append(imgs, img)
		root.Children = append(root.Children, &content.Paragraph{Children: []content.Node{img}})
	}
	return root, imgs
}

func TestLocalizeDownloadsAndRewrites(t *testing.T) {
	var gotReferer, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBody)
	}))
	defer srv.Close()

	src := srv.URL + "/mmbiz_png/abc/640"
	root, imgs := imageTree(src, "data:image/gif;base64,AAAA", "assets/local.jpg")
	dir := filepath.Join(t.TempDir(), "assets")

	stats, err := newTestDownloader(srv, &sleepRecorder{}).Localize(context.Background(), root, dir)

	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, OK: 1, Bytes: int64(len(pngBody))}, stats)
	want := "assets/img_001_" + urlHash(src) + ".png"
	assert.Equal(t, want, imgs[0].Src)
	assert.Equal(t, "data:image/gif;base64,AAAA", imgs[1].Src)
	assert.Equal(t, "assets/local.jpg", imgs[2].Src)
	assert.FileExists(t, filepath.Join(dir, filepath.Base(want)))
	assert.Equal(t, "https://mp.weixin.qq.com/", gotReferer)
	assert.Contains(t, gotUA, "Mozilla/5.0")
}

func TestLocalizeSecondRunMakesNoRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write(pngBody)
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "assets")
	d := newTestDownloader(srv, &sleepRecorder{})

	first, firstImgs := imageTree(srv.URL+"/a", srv.URL+"/b")
	_, err := d.Localize(context.Background(), first, dir)
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())

	second, secondImgs := imageTree(srv.URL+"/a", srv.URL+"/b")
	stats, err := d.Localize(context.Background(), second, dir)

	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, Stats{Total: 2, OK: 2, Skipped: 2}, stats)
	for i := range firstImgs {
		assert.Equal(t, firstImgs[i].Src, secondImgs[i].Src)
	}
}

func TestLocalizeRetriesThenKeepsRemoteURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	src := srv.URL + "/pic.jpg"
	root, imgs := imageTree(src)
	rec := &sleepRecorder{}

	stats, err := newTestDownloader(srv, rec).Localize(context.Background(), root, t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, stats)
	assert.Equal(t, src, imgs[0].Src)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestLocalizeRecoversOnRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(pngBody)
	}))
	defer srv.Close()

	root, imgs := imageTree(srv.URL + "/x?wx_fmt=gif")
	dir := t.TempDir()

	stats, err := newTestDownloader(srv, &sleepRecorder{}).Localize(context.Background(), root, dir)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.OK)
	assert.Equal(t, 0, stats.Failed)
	assert.Regexp(t, `^`+regexp.QuoteMeta(filepath.Base(dir))+`/img_001_[0-9a-f]{8}\.gif$`, imgs[0].Src)
}

func TestLocalizeIgnoresEmptyExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBody)
	}))
	defer srv.Close()

	src := srv.URL + "/a.png"
	dir := t.TempDir()
	stale := filepath.Join(dir, "img_001_"+urlHash(src)+".png")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	root, _ := imageTree(src)
	stats, err := newTestDownloader(srv, &sleepRecorder{}).Localize(context.Background(), root, dir)

	require.NoError(t, err)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 1, stats.OK)
	data, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, pngBody, data)
}

func TestLocalizeRefetchesUndersizedExistingFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBody)
	}))
	defer srv.Close()

	src := srv.URL + "/a.png"
	dir := t.TempDir()
	truncated := filepath.Join(dir, "img_001_"+urlHash(src)+".png")
	require.NoError(t, os.WriteFile(truncated, []byte{0x89, 0x50, 0x4e, 0x47}, 0o644))

	root, imgs := imageTree(src)
	stats, err := newTestDownloader(srv, &sleepRecorder{}).Localize(context.Background(), root, dir)

	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, OK: 1, Bytes: int64(len(pngBody))}, stats)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, filepath.Base(dir)+"/"+filepath.Base(truncated), imgs[0].Src)
	data, err := os.ReadFile(truncated)
	require.NoError(t, err)
	assert.Equal(t, pngBody, data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
}

func TestLocalizeStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	first, second := srv.URL+"/1.png", srv.URL+"/2.png"
	root, imgs := imageTree(first, second)

	_, err := newTestDownloader(srv, &sleepRecorder{}).Localize(ctx, root, t.TempDir())

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, first, imgs[0].Src)
	assert.Equal(t, second, imgs[1].Src)
}

func TestExtension(t *testing.T) {
	tests := []struct {
		name        string
		src         string
		contentType string
		want        string
	}{
		{"content type wins", "https://x/a.gif", "image/png", ".png"},
		{"jpeg content type", "https://x/a", "image/jpeg", ".jpg"},
		{"url path", "https://x/a.webp?x=1", "", ".webp"},
		{"jpeg path", "https://x/a.JPEG", "", ".jpg"},
		{"wx_fmt", "https://mmbiz.qpic.cn/mmbiz/abc/0?wx_fmt=jpeg", "", ".jpg"},
		{"wx_fmt png", "https://mmbiz.qpic.cn/mmbiz/abc/0?wx_fmt=png", "text/plain", ".png"},
		{"default", "https://x/a", "", ".jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extension(tt.src, tt.contentType))
		})
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
