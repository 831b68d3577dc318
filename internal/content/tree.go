// Package content parses raw article markup into metadata and a normalized
// content tree.
package content

// Node is one element of a content tree. The set of implementations is
// closed: renderers switch over exactly the types in this file.
type Node interface {
	node()
}

// EmphasisKind distinguishes bold from italic emphasis.
type EmphasisKind int

const (
	Strong EmphasisKind = iota
	Italic
)

// MediaKind labels an embedded rich-media widget.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

type (
	// Text is a run of character data, kept verbatim.
	Text struct{ Value string }

	// Heading is an h1-h6 element.
	Heading struct {
		Level    int
		Children []Node
	}

	// Paragraph is a p element.
	Paragraph struct{ Children []Node }

	// Emphasis is strong/b (Strong) or em/i (Italic).
	Emphasis struct {
		Kind     EmphasisKind
		Children []Node
	}

	// Image is an img element. Src is rewritten by the media pipeline.
	Image struct {
		Src string
		Alt string
	}

	// Link is an a element.
	Link struct {
		Href     string
		Children []Node
	}

	// List is ul (Ordered=false) or ol. Items are its direct li children.
	List struct {
		Ordered bool
		Items   []*ListItem
	}

	// ListItem is one li element.
	ListItem struct{ Children []Node }

	// Table holds the rows belonging directly to one table element.
	Table struct{ Rows []*TableRow }

	// TableRow is one tr element.
	TableRow struct{ Cells []*TableCell }

	// TableCell is a td or th element.
	TableCell struct {
		Header   bool
		Children []Node
	}

	// Code is a pre block (Block=true) or inline code element. Text is the
	// raw character data.
	Code struct {
		Block bool
		Lang  string
		Text  string
	}

	// Quote is a blockquote element.
	Quote struct{ Children []Node }

	// Placeholder stands in for a rich-media widget that cannot be captured.
	Placeholder struct {
		Kind  MediaKind
		Label string
	}

	// LineBreak is a br element.
	LineBreak struct{}

	// Rule is an hr element.
	Rule struct{}

	// Container is any other element. Renderers pass through it.
	Container struct {
		Tag      string
		Children []Node
	}
)

func (*Text) node()        {}
func (*Heading) node()     {}
func (*Paragraph) node()   {}
func (*Emphasis) node()    {}
func (*Image) node()       {}
func (*Link) node()        {}
func (*List) node()        {}
func (*ListItem) node()    {}
func (*Table) node()       {}
func (*TableRow) node()    {}
func (*TableCell) node()   {}
func (*Code) node()        {}
func (*Quote) node()       {}
func (*Placeholder) node() {}
func (*LineBreak) node()   {}
func (*Rule) node()        {}
func (*Container) node()   {}

// Children returns the direct children of n, or nil for leaves.
func Children(n Node) []Node {
	switch v := n.(type) {
	case *Heading:
		return v.Children
	case *Paragraph:
		return v.Children
	case *Emphasis:
		return v.Children
	case *Link:
		return v.Children
	case *List:
		out := make([]Node, len(v.Items))
		for i, it := range v.Items {
			out[i] = it
		}
		return out
	case *ListItem:
		return v.Children
	case *Table:
		out := make([]Node, len(v.Rows))
		for i, r := range v.Rows {
			out[i] = r
		}
		return out
	case *TableRow:
		out := make([]Node, len(v.Cells))
		for i, c := range v.Cells {
			out[i] = c
		}
		return out
	case *TableCell:
		return v.Children
	case *Quote:
		return v.Children
	case *Container:
		return v.Children
	default:
		return nil
	}
}

// Walk visits n and its descendants depth-first in document order.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range Children(n) {
		Walk(c, fn)
	}
}

// Images returns every image node under root in document order.
func Images(root Node) []*Image {
	var imgs []*Image
	Walk(root, func(n Node) {
		if img, ok := n.(*Image); ok {
			imgs = append(imgs, img)
		}
	})
	return imgs
}

// PlainText concatenates the character data under n.
func PlainText(n Node) string {
	var b []byte
	Walk(n, func(c Node) {
		switch v := c.(type) {
		case *Text:
			b = append(b, v.Value...)
		case *Code:
			b = append(b, v.Text...)
		case *Placeholder:
			b = append(b, v.Label...)
		}
	})
	return string(b)
}
