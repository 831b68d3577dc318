// Package archive turns one fetched page into an article directory holding
// the raw markup, rendered HTML and Markdown, and localized images.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aktagon/article-archiver/internal/content"
	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/manifest"
	"github.com/aktagon/article-archiver/internal/media"
	"github.com/aktagon/article-archiver/internal/render"
)

// Article directory layout.
const (
	RawFile      = "raw.html"
	HTMLFile     = "article.html"
	MarkdownFile = "article.md"
	AssetsDir    = "assets"
)

const maxDirNameRunes = 50

var unsafeNameRe = regexp.MustCompile(`[^\p{L}\p{N}_-]`)

// ImageLocalizer rewrites image sources in a tree to local copies.
type ImageLocalizer interface {
	Localize(ctx context.Context, root content.Node, assetsDir string) (media.Stats, error)
}

// Result describes one archived article.
type Result struct {
	content.Metadata
	DirName string              `json:"dir_name"`
	Dir     string              `json:"dir"`
	Images  *media.Stats        `json:"images,omitempty"`
	Media   []content.MediaInfo `json:"media,omitempty"`
	Errors  []string            `json:"errors"`
}

// Outcome converts r into the manifest's view of a successful pass.
func (r *Result) Outcome() manifest.Outcome {
	return manifest.Outcome{
		Title:       r.Title,
		DirName:     r.DirName,
		Author:      r.Author,
		PublishTime: r.PublishDate,
		Errors:      r.Errors,
	}
}

// Pipeline writes articles under a single directory.
type Pipeline struct {
	dir       string
	extractor *content.Extractor
	images    ImageLocalizer
	log       logger.Logger
}

// NewPipeline creates a Pipeline writing under dir. A nil images skips
// image localization and leaves remote sources in place.
func NewPipeline(dir string, extractor *content.Extractor, images ImageLocalizer, log logger.Logger) *Pipeline {
	return &Pipeline{dir: dir, extractor: extractor, images: images, log: log}
}

// Process extracts raw, localizes its images and writes the article files.
// Only failing to create the article directory is returned as an error;
// every other problem is recorded in Result.Errors.
func (p *Pipeline) Process(ctx context.Context, seq int, pageURL, raw string) (*Result, error) {
	doc := p.extractor.Extract(raw, pageURL)

	res := &Result{
		Metadata: doc.Metadata,
		DirName:  DirName(doc.Title, seq),
		Media:    doc.Media,
		Errors:   append([]string{}, doc.Errors...),
	}
	res.Dir = filepath.Join(p.dir, res.DirName)
	if err := os.MkdirAll(res.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating article directory: %w", err)
	}
	log := p.log.With(logger.String("dir", res.DirName))

	if err := os.WriteFile(filepath.Join(res.Dir, RawFile), []byte(raw), 0o644); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("save %s: %v", RawFile, err))
	}

	if p.images != nil {
		stats, err := p.images.Localize(ctx, doc.Root, filepath.Join(res.Dir, AssetsDir))
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("image download: %v", err))
		}
		res.Images = &stats
		log.Info("Images localized",
			logger.Int("ok", stats.OK),
			logger.Int("total", stats.Total),
			logger.Int("failed", stats.Failed),
			logger.Int64("bytes", stats.Bytes),
		)
	}

	if page, err := render.HTML(doc.Metadata, doc.Root); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("build HTML: %v", err))
	} else if err := os.WriteFile(filepath.Join(res.Dir, HTMLFile), []byte(page), 0o644); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("save %s: %v", HTMLFile, err))
	}

	md := render.Markdown(doc.Metadata, doc.Root)
	if err := os.WriteFile(filepath.Join(res.Dir, MarkdownFile), []byte(md), 0o644); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("save %s: %v", MarkdownFile, err))
	}

	for _, m := range res.Media {
		log.Debug("Embedded media replaced by placeholder",
			logger.String("kind", string(m.Kind)),
			logger.String("title", m.Title),
		)
	}
	return res, nil
}

// DirName builds a filesystem-safe directory name from title: characters
// other than letters, digits, '_' and '-' become '_', the result is cut to
// 50 characters with trailing '_' removed, and seq > 0 adds a %04d_ prefix.
func DirName(title string, seq int) string {
	safe := unsafeNameRe.ReplaceAllString(title, "_")
	if runes := []rune(safe); len(runes) > maxDirNameRunes {
		safe = string(runes[:maxDirNameRunes])
	}
	safe = strings.TrimRight(safe, "_")
	if safe == "" {
		safe = "untitled"
	}
	if seq > 0 {
		return fmt.Sprintf("%04d_%s", seq, safe)
	}
	return safe
}
