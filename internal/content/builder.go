package content

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// treeBuilder converts a cleaned DOM subtree into content nodes.
type treeBuilder struct {
	profile *Profile
	media   []MediaInfo
}

func (b *treeBuilder) children(n *html.Node) []Node {
	var out []Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if node := b.build(c); node != nil {
			out = append(out, node)
		}
	}
	return out
}

func (b *treeBuilder) build(n *html.Node) Node {
	switch n.Type {
	case html.TextNode:
		if n.Data == "" {
			return nil
		}
		return &Text{Value: n.Data}
	case html.ElementNode:
	default:
		return nil
	}

	if kind, ok := b.profile.widget(n); ok {
		return b.placeholder(n, kind)
	}

	switch n.Data {
	case "script", "style", "noscript":
		return nil
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return &Heading{Level: int(n.Data[1] - '0'), Children: b.children(n)}
	case "p":
		return &Paragraph{Children: b.children(n)}
	case "strong", "b":
		return &Emphasis{Kind: Strong, Children: b.children(n)}
	case "em", "i":
		return &Emphasis{Kind: Italic, Children: b.children(n)}
	case "img":
		return &Image{Src: attr(n, "src"), Alt: attr(n, "alt")}
	case "a":
		return &Link{Href: attr(n, "href"), Children: b.children(n)}
	case "br":
		return &LineBreak{}
	case "hr":
		return &Rule{}
	case "pre":
		return b.codeBlock(n)
	case "code":
		return &Code{Text: rawText(n)}
	case "ul", "ol":
		return b.list(n)
	case "table":
		return b.table(n)
	case "blockquote":
		return &Quote{Children: b.children(n)}
	default:
		return &Container{Tag: n.Data, Children: b.children(n)}
	}
}

func (b *treeBuilder) placeholder(n *html.Node, kind MediaKind) Node {
	info := MediaInfo{Kind: kind}
	var label string
	switch kind {
	case MediaVideo:
		info.Title = strings.TrimSpace(attr(n, "data-title"))
		info.Src = strings.TrimSpace(firstNonEmpty(attr(n, "data-src"), attr(n, "src")))
		if info.Title == "" {
			info.Title = untitledVideo
		}
		label = fmt.Sprintf("[Video: %s]", info.Title)
	default:
		info.Title = strings.TrimSpace(firstNonEmpty(attr(n, "name"), attr(n, "data-title")))
		if info.Title == "" {
			info.Title = untitledAudio
		}
		label = fmt.Sprintf("[Audio: %s]", info.Title)
	}
	b.media = append(b.media, info)
	return &Placeholder{Kind: kind, Label: label}
}

func (b *treeBuilder) codeBlock(pre *html.Node) Node {
	code := findElement(pre, "code")
	src := pre
	if code != nil {
		src = code
	}
	lang := languageOf(code)
	if lang == "" {
		lang = languageOf(pre)
	}
	return &Code{Block: true, Lang: lang, Text: rawText(src)}
}

func (b *treeBuilder) list(n *html.Node) Node {
	l := &List{Ordered: n.Data == "ol"}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "li" {
			l.Items = append(l.Items, &ListItem{Children: b.children(c)})
		}
	}
	return l
}

// table collects the rows owned by n, skipping rows of nested tables.
func (b *treeBuilder) table(n *html.Node) Node {
	t := &Table{}
	var rows func(p *html.Node)
	rows = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "table":
				continue
			case "tr":
				t.Rows = append(t.Rows, b.row(c))
			default:
				rows(c)
			}
		}
	}
	rows(n)
	return t
}

func (b *treeBuilder) row(tr *html.Node) *TableRow {
	r := &TableRow{}
	var cells func(p *html.Node)
	cells = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "td", "th":
				r.Cells = append(r.Cells, &TableCell{Header: c.Data == "th", Children: b.children(c)})
			case "table", "tr":
				continue
			default:
				cells(c)
			}
		}
	}
	cells(tr)
	return r
}

func languageOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	for _, class := range strings.Fields(attr(n, "class")) {
		if m := codeLangRe.FindStringSubmatch(class); m != nil {
			return m[1]
		}
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// rawText returns the character data under n verbatim, with br as newline.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case c.Type == html.TextNode:
				sb.WriteString(c.Data)
			case c.Type == html.ElementNode && c.Data == "br":
				sb.WriteByte('\n')
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
