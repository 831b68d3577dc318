// Package render turns extracted articles into standalone HTML and Markdown
// documents. Both renderers are pure functions of their inputs.
package render

import (
	"bytes"
	_ "embed"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"

	"github.com/aktagon/article-archiver/internal/content"
)

//go:embed templates/article.html.tmpl
var articleTemplate string

var pageTemplate = template.Must(template.New("article").Parse(articleTemplate))

var safeTagRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

var voidTags = map[string]bool{
	"area": true, "base": true, "col": true, "embed": true, "input": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

type htmlPage struct {
	content.Metadata
	Body template.HTML
}

// HTML renders a complete document: escaped metadata in a fixed template
// with an embedded stylesheet, followed by the content tree.
func HTML(meta content.Metadata, root content.Node) (string, error) {
	var body strings.Builder
	writeHTML(&body, root)

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, htmlPage{Metadata: meta, Body: template.HTML(body.String())}); err != nil {
		return "", fmt.Errorf("executing article template: %w", err)
	}
	return buf.String(), nil
}

func writeHTML(w *strings.Builder, n content.Node) {
	switch v := n.(type) {
	case nil:
	case *content.Text:
		w.WriteString(html.EscapeString(v.Value))
	case *content.Heading:
		level := min(max(v.Level, 1), 6)
		fmt.Fprintf(w, "<h%d>", level)
		writeChildren(w, v.Children)
		fmt.Fprintf(w, "</h%d>", level)
	case *content.Paragraph:
		wrap(w, "p", v.Children)
	case *content.Emphasis:
		tag := "strong"
		if v.Kind == content.Italic {
			tag = "em"
		}
		wrap(w, tag, v.Children)
	case *content.Image:
		fmt.Fprintf(w, `<img src="%s" alt="%s">`, html.EscapeString(v.Src), html.EscapeString(v.Alt))
	case *content.Link:
		fmt.Fprintf(w, `<a href="%s">`, html.EscapeString(v.Href))
		writeChildren(w, v.Children)
		w.WriteString("</a>")
	case *content.List:
		tag := "ul"
		if v.Ordered {
			tag = "ol"
		}
		fmt.Fprintf(w, "<%s>", tag)
		for _, item := range v.Items {
			wrap(w, "li", item.Children)
		}
		fmt.Fprintf(w, "</%s>", tag)
	case *content.ListItem:
		wrap(w, "li", v.Children)
	case *content.Table:
		w.WriteString("<table>")
		for _, row := range v.Rows {
			writeHTML(w, row)
		}
		w.WriteString("</table>")
	case *content.TableRow:
		w.WriteString("<tr>")
		for _, cell := range v.Cells {
			writeHTML(w, cell)
		}
		w.WriteString("</tr>")
	case *content.TableCell:
		tag := "td"
		if v.Header {
			tag = "th"
		}
		wrap(w, tag, v.Children)
	case *content.Code:
		if !v.Block {
			fmt.Fprintf(w, "<code>%s</code>", html.EscapeString(v.Text))
			return
		}
		if v.Lang != "" {
			fmt.Fprintf(w, `<pre><code class="language-%s">`, html.EscapeString(v.Lang))
		} else {
			w.WriteString("<pre><code>")
		}
		w.WriteString(html.EscapeString(v.Text))
		w.WriteString("</code></pre>")
	case *content.Quote:
		wrap(w, "blockquote", v.Children)
	case *content.Placeholder:
		fmt.Fprintf(w, `<p class="%s-placeholder">%s</p>`, v.Kind, html.EscapeString(v.Label))
	case *content.LineBreak:
		w.WriteString("<br>")
	case *content.Rule:
		w.WriteString("<hr>")
	case *content.Container:
		tag := v.Tag
		if !safeTagRe.MatchString(tag) {
			tag = "div"
		}
		if voidTags[tag] {
			fmt.Fprintf(w, "<%s>", tag)
			return
		}
		wrap(w, tag, v.Children)
	default:
		writeChildren(w, content.Children(n))
	}
}

func wrap(w *strings.Builder, tag string, children []content.Node) {
	fmt.Fprintf(w, "<%s>", tag)
	writeChildren(w, children)
	fmt.Fprintf(w, "</%s>", tag)
}

func writeChildren(w *strings.Builder, children []content.Node) {
	for _, c := range children {
		writeHTML(w, c)
	}
}
