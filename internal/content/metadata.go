package content

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Metadata describes an article independently of its body.
type Metadata struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	PublishDate string `json:"publish_date"`
	SourceURL   string `json:"source_url"`
}

// Page is the input every metadata strategy sees.
type Page struct {
	Raw      string
	Doc      *goquery.Document
	URL      string
	Location *time.Location

	article     *readability.Article
	articleDone bool
}

// Strategy extracts one metadata field from a page. The first strategy in a
// field's list that reports ok wins.
type Strategy func(p *Page) (string, bool)

// FromPattern matches re against the raw markup and returns the first
// capture group, HTML-unescaped and trimmed.
func FromPattern(re *regexp.Regexp) Strategy {
	return func(p *Page) (string, bool) {
		m := re.FindStringSubmatch(p.Raw)
		if len(m) < 2 {
			return "", false
		}
		v := strings.TrimSpace(html.UnescapeString(m[1]))
		return v, v != ""
	}
}

// FromEpoch matches re against the raw markup, reads the capture as unix
// seconds and formats it as a calendar date in the page location.
func FromEpoch(re *regexp.Regexp) Strategy {
	return func(p *Page) (string, bool) {
		m := re.FindStringSubmatch(p.Raw)
		if len(m) < 2 {
			return "", false
		}
		ts, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return "", false
		}
		loc := p.Location
		if loc == nil {
			loc = time.Local
		}
		return time.Unix(ts, 0).In(loc).Format("2006-01-02"), true
	}
}

// FromSelector returns the trimmed text of the first element matching sel.
func FromSelector(sel string) Strategy {
	return func(p *Page) (string, bool) {
		if p.Doc == nil {
			return "", false
		}
		v := strings.TrimSpace(p.Doc.Find(sel).First().Text())
		return v, v != ""
	}
}

// FromAttr returns the trimmed attribute value of the first element
// matching sel.
func FromAttr(sel, attr string) Strategy {
	return func(p *Page) (string, bool) {
		if p.Doc == nil {
			return "", false
		}
		v, ok := p.Doc.Find(sel).First().Attr(attr)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
}

// ReadabilityField selects which readability result a strategy reads.
type ReadabilityField int

const (
	ReadabilityTitle ReadabilityField = iota
	ReadabilityByline
)

// FromReadability runs a readability pass over the raw markup (once per
// page) and returns the requested field.
func FromReadability(field ReadabilityField) Strategy {
	return func(p *Page) (string, bool) {
		a := p.readability()
		if a == nil {
			return "", false
		}
		var v string
		switch field {
		case ReadabilityTitle:
			v = a.Title
		case ReadabilityByline:
			v = a.Byline
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}
}

func (p *Page) readability() *readability.Article {
	if p.articleDone {
		return p.article
	}
	p.articleDone = true

	pageURL, err := url.Parse(p.URL)
	if err != nil {
		return nil
	}
	article, err := readability.FromReader(strings.NewReader(p.Raw), pageURL)
	if err != nil {
		return nil
	}
	p.article = &article
	return p.article
}

// firstOf runs strategies in order. A panicking strategy counts as a miss
// and is reported through errs.
func firstOf(p *Page, field string, strategies []Strategy, errs *[]string) string {
	for i, s := range strategies {
		if v, ok := safeRun(p, s, field, i, errs); ok {
			return v
		}
	}
	return ""
}

func safeRun(p *Page, s Strategy, field string, idx int, errs *[]string) (v string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			*errs = append(*errs, fmt.Sprintf("metadata extraction: %s strategy %d: %v", field, idx, r))
			v, ok = "", false
		}
	}()
	return s(p)
}
