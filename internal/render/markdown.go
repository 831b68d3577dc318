package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aktagon/article-archiver/internal/content"
)

var (
	spaceRunRe      = regexp.MustCompile(`[ \t]+`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
	trailingWSRe    = regexp.MustCompile(`[ \t]+\n`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
)

// Markdown renders a header block (title, optional author, date and source
// lines, a rule) followed by the content tree.
func Markdown(meta content.Metadata, root content.Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", meta.Title)

	var lines []string
	if meta.Author != "" {
		lines = append(lines, "Author: "+meta.Author)
	}
	if meta.PublishDate != "" {
		lines = append(lines, "Published: "+meta.PublishDate)
	}
	if meta.SourceURL != "" {
		lines = append(lines, "Source: "+meta.SourceURL)
	}
	if len(lines) > 0 {
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("---\n\n")

	body := markdown(root)
	body = trailingWSRe.ReplaceAllString(body, "\n")
	body = blankRunRe.ReplaceAllString(body, "\n\n")
	b.WriteString(strings.TrimSpace(body))
	return b.String()
}

func markdown(n content.Node) string {
	switch v := n.(type) {
	case nil:
		return ""
	case *content.Text:
		return spaceRunRe.ReplaceAllString(v.Value, " ")
	case *content.Heading:
		text := flatText(v)
		if text == "" {
			return ""
		}
		return fmt.Sprintf("\n\n%s %s\n\n", strings.Repeat("#", min(max(v.Level, 1), 6)), text)
	case *content.Paragraph:
		inner := strings.TrimSpace(markdownChildren(v.Children))
		if inner == "" {
			return ""
		}
		return "\n\n" + inner + "\n\n"
	case *content.Emphasis:
		inner := strings.TrimSpace(markdownChildren(v.Children))
		if inner == "" {
			return ""
		}
		if v.Kind == content.Italic {
			return "*" + inner + "*"
		}
		return "**" + inner + "**"
	case *content.Image:
		if v.Src == "" {
			return ""
		}
		return fmt.Sprintf("\n\n![%s](%s)\n\n", v.Alt, v.Src)
	case *content.Link:
		text := flatText(v)
		switch {
		case text != "" && usableHref(v.Href):
			return fmt.Sprintf("[%s](%s)", text, strings.TrimSpace(v.Href))
		case text != "":
			return text
		default:
			return markdownChildren(v.Children)
		}
	case *content.LineBreak:
		return "\n"
	case *content.Rule:
		return "\n\n---\n\n"
	case *content.Quote:
		inner := strings.TrimSpace(markdownChildren(v.Children))
		if inner == "" {
			return ""
		}
		lines := strings.Split(blankRunRe.ReplaceAllString(inner, "\n\n"), "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRight("> "+line, " ")
		}
		return "\n\n" + strings.Join(lines, "\n") + "\n\n"
	case *content.Code:
		if !v.Block {
			if v.Text == "" {
				return ""
			}
			return "`" + v.Text + "`"
		}
		return fmt.Sprintf("\n\n```%s\n%s\n```\n\n", v.Lang, strings.TrimRight(v.Text, "\n"))
	case *content.List:
		return markdownList(v)
	case *content.Table:
		return markdownTable(v)
	case *content.Placeholder:
		return "\n\n" + v.Label + "\n\n"
	default:
		return markdownChildren(content.Children(n))
	}
}

func markdownChildren(children []content.Node) string {
	var b strings.Builder
	for _, c := range children {
		b.WriteString(markdown(c))
	}
	return b.String()
}

func markdownList(l *content.List) string {
	var lines []string
	for _, item := range l.Items {
		text := strings.TrimSpace(markdownChildren(item.Children))
		if text == "" {
			continue
		}
		if l.Ordered {
			lines = append(lines, fmt.Sprintf("%d. %s", len(lines)+1, text))
		} else {
			lines = append(lines, "- "+text)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(lines, "\n") + "\n\n"
}

func markdownTable(t *content.Table) string {
	var rows [][]string
	width := 0
	for _, row := range t.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			cells = append(cells, strings.ReplaceAll(flatText(cell), "|", `\|`))
		}
		if len(cells) == 0 {
			continue
		}
		width = max(width, len(cells))
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n")
	for i, cells := range rows {
		for len(cells) < width {
			cells = append(cells, "")
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

// flatText is the node's plain text with whitespace runs collapsed.
func flatText(n content.Node) string {
	return strings.TrimSpace(whitespaceRunRe.ReplaceAllString(content.PlainText(n), " "))
}

// usableHref reports whether href leads anywhere. Fragment-only links and
// the javascript:, about: and data: pseudo-schemes do not.
func usableHref(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	for _, scheme := range []string{"javascript:", "about:", "data:"} {
		if strings.HasPrefix(href, scheme) {
			return false
		}
	}
	return true
}
