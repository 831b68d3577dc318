package content

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/aktagon/article-archiver/internal/logger"
)

// DefaultTitle is used when no title strategy succeeds.
const DefaultTitle = "Untitled"

const (
	untitledVideo = "untitled video"
	untitledAudio = "untitled audio"
)

// nonContentSelector lists elements stripped from the content container.
const nonContentSelector = "script, style, link, meta, noscript, iframe"

var hiddenStyles = []*regexp.Regexp{
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0(?:[;\s]|$)`),
	regexp.MustCompile(`(?i)display\s*:\s*none`),
}

var codeLangRe = regexp.MustCompile(`^language-(\w+)`)

// MediaInfo records an embedded widget replaced by a placeholder.
type MediaInfo struct {
	Kind  MediaKind `json:"kind"`
	Title string    `json:"title"`
	Src   string    `json:"src,omitempty"`
}

// Document is the result of extracting one page. Errors are non-fatal notes.
type Document struct {
	Metadata
	Root   *Container
	Media  []MediaInfo
	Errors []string
}

// Extractor turns raw markup into a Document according to a Profile.
type Extractor struct {
	profile  Profile
	location *time.Location
	log      logger.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLocation sets the time zone used for publish dates.
func WithLocation(loc *time.Location) Option {
	return func(e *Extractor) { e.location = loc }
}

// WithLogger sets the extractor logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Extractor) { e.log = log }
}

// NewExtractor creates an Extractor for profile.
func NewExtractor(profile Profile, opts ...Option) *Extractor {
	e := &Extractor{
		profile:  profile,
		location: time.Local,
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses raw markup. It never fails: structural problems degrade to
// default metadata and an empty tree, with a note in Document.Errors.
func (e *Extractor) Extract(raw, pageURL string) (doc *Document) {
	doc = &Document{
		Metadata: Metadata{Title: DefaultTitle},
		Root:     &Container{Tag: "div"},
	}
	defer func() {
		if r := recover(); r != nil {
			doc.Errors = append(doc.Errors, fmt.Sprintf("content extraction: %v", r))
		}
	}()

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		doc.Errors = append(doc.Errors, fmt.Sprintf("parse markup: %v", err))
		return doc
	}

	page := &Page{Raw: raw, Doc: parsed, URL: pageURL, Location: e.location}
	if title := firstOf(page, "title", e.profile.Title, &doc.Errors); title != "" {
		doc.Title = title
	}
	doc.Author = firstOf(page, "author", e.profile.Author, &doc.Errors)
	doc.PublishDate = firstOf(page, "publish date", e.profile.PublishDate, &doc.Errors)
	doc.SourceURL = firstOf(page, "source url", e.profile.SourceURL, &doc.Errors)

	container := e.locate(parsed)
	if container == nil {
		doc.Errors = append(doc.Errors, "content extraction: main content container not found")
		e.log.Warn("Content container not found", logger.String("title", doc.Title))
		return doc
	}

	e.stripNonContent(container)
	e.removeHidden(container)
	e.normalizeImages(container)

	b := &treeBuilder{profile: &e.profile}
	doc.Root.Children = b.children(container.Nodes[0])
	doc.Media = b.media
	return doc
}

func (e *Extractor) locate(doc *goquery.Document) *goquery.Selection {
	for _, id := range e.profile.ContentIDs {
		sel := doc.Find(`[id="` + id + `"]`).First()
		if sel.Length() > 0 {
			return sel
		}
	}
	for _, class := range e.profile.ContentClasses {
		sel := doc.Find("." + class).First()
		if sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

func (e *Extractor) stripNonContent(container *goquery.Selection) {
	container.Find(nonContentSelector).
		FilterFunction(func(_ int, s *goquery.Selection) bool {
			_, isWidget := e.profile.widget(s.Nodes[0])
			return !isWidget
		}).
		Remove()

	var comments []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.CommentNode {
				comments = append(comments, c)
				continue
			}
			walk(c)
		}
	}
	walk(container.Nodes[0])
	for _, c := range comments {
		c.Parent.RemoveChild(c)
	}
}

func (e *Extractor) removeHidden(container *goquery.Selection) {
	container.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, re := range hiddenStyles {
			if re.MatchString(style) {
				s.Remove()
				return
			}
		}
	})
}

func (e *Extractor) normalizeImages(container *goquery.Selection) {
	lazy := e.profile.LazySrcAttr
	container.Find("img").Each(func(_ int, s *goquery.Selection) {
		n := s.Nodes[0]
		var src string
		hasLazy := false
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			switch {
			case lazy != "" && a.Key == lazy:
				src, hasLazy = a.Val, a.Val != ""
			case strings.HasPrefix(a.Key, "data-"):
			default:
				kept = append(kept, a)
			}
		}
		n.Attr = kept
		if hasLazy {
			s.SetAttr("src", src)
		}
	})
}

// widget reports whether n is an embedded video/audio widget.
func (p *Profile) widget(n *html.Node) (MediaKind, bool) {
	if n.Type != html.ElementNode {
		return "", false
	}
	class := attr(n, "class")
	if p.VideoClass != nil && class != "" && p.VideoClass.MatchString(class) {
		return MediaVideo, true
	}
	if p.AudioClass != nil && class != "" && p.AudioClass.MatchString(class) {
		return MediaAudio, true
	}
	for _, tag := range p.AudioTags {
		if n.Data == tag {
			return MediaAudio, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
