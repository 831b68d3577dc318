package upload

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Feishu docx block types.
const (
	BlockText     = 2
	BlockHeading1 = 3
	BlockHeading2 = 4
	BlockHeading3 = 5
	BlockBullet   = 16
	BlockOrdered  = 17
	BlockCode     = 14
	BlockDivider  = 22
	BlockImage    = 27
)

var codeLanguages = map[string]int{
	"python": 49, "py": 49,
	"javascript": 36, "js": 36,
	"typescript": 73, "ts": 73,
	"bash": 7, "sh": 7, "shell": 7,
	"json": 38, "html": 32, "css": 16, "java": 35, "go": 29,
	"rust": 56, "sql": 62, "yaml": 78, "yml": 78,
}

// Block is one docx block as sent to the children endpoint.
type Block struct {
	BlockType int       `json:"block_type"`
	Text      *TextBody `json:"text,omitempty"`
	Heading1  *TextBody `json:"heading1,omitempty"`
	Heading2  *TextBody `json:"heading2,omitempty"`
	Heading3  *TextBody `json:"heading3,omitempty"`
	Bullet    *TextBody `json:"bullet,omitempty"`
	Ordered   *TextBody `json:"ordered,omitempty"`
	Code      *CodeBody `json:"code,omitempty"`
	Divider   *struct{} `json:"divider,omitempty"`
	Image     *struct{} `json:"image,omitempty"`
}

// TextBody is the payload of text-like blocks.
type TextBody struct {
	Style    struct{}  `json:"style"`
	Elements []Element `json:"elements"`
}

// CodeBody is the payload of a code block.
type CodeBody struct {
	Style    struct{}  `json:"style"`
	Elements []Element `json:"elements"`
	Language int       `json:"language"`
}

// Element is a single text run.
type Element struct {
	TextRun TextRun `json:"text_run"`
}

// TextRun holds literal text.
type TextRun struct {
	Content string `json:"content"`
}

// Item is either a run of blocks or a local image to upload.
type Item struct {
	Blocks []Block
	Image  string
}

func textBody(s string) *TextBody {
	return &TextBody{Elements: []Element{{TextRun: TextRun{Content: s}}}}
}

func textBlock(s string) Block {
	if s == "" {
		s = " "
	}
	return Block{BlockType: BlockText, Text: textBody(s)}
}

func headingBlock(level int, s string) Block {
	switch min(level, 3) {
	case 1:
		return Block{BlockType: BlockHeading1, Heading1: textBody(s)}
	case 2:
		return Block{BlockType: BlockHeading2, Heading2: textBody(s)}
	default:
		return Block{BlockType: BlockHeading3, Heading3: textBody(s)}
	}
}

func codeBlock(lang, code string) Block {
	return Block{BlockType: BlockCode, Code: &CodeBody{
		Elements: []Element{{TextRun: TextRun{Content: code}}},
		Language: Language(lang),
	}}
}

// Language maps a fence language hint to Feishu's code language id. Unknown
// hints map to 0 (plain text).
func Language(lang string) int {
	return codeLanguages[strings.ToLower(lang)]
}

// Parse converts article Markdown into upload items. Inline syntax is kept
// verbatim inside text runs. Images resolve against assetsDir; only local,
// non-empty files become image items.
func Parse(source []byte, assetsDir string) []Item {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	p := &itemParser{source: source, assetsDir: assetsDir}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		p.block(n)
	}
	p.flush()
	return p.items
}

type itemParser struct {
	source    []byte
	assetsDir string
	items     []Item
	pending   []Block
}

func (p *itemParser) flush() {
	if len(p.pending) > 0 {
		p.items = append(p.items, Item{Blocks: p.pending})
		p.pending = nil
	}
}

func (p *itemParser) add(b Block) {
	p.pending = append(p.pending, b)
}

func (p *itemParser) block(n ast.Node) {
	switch v := n.(type) {
	case *ast.Heading:
		if s := strings.TrimSpace(strings.Join(p.lines(v), " ")); s != "" {
			p.add(headingBlock(v.Level, s))
		}
	case *ast.ThematicBreak:
		p.add(Block{BlockType: BlockDivider, Divider: &struct{}{}})
	case *ast.FencedCodeBlock:
		code := strings.Join(p.lines(v), "\n")
		if strings.TrimSpace(code) != "" {
			p.add(codeBlock(string(v.Language(p.source)), code))
		}
	case *ast.CodeBlock:
		code := strings.Join(p.lines(v), "\n")
		if strings.TrimSpace(code) != "" {
			p.add(codeBlock("", code))
		}
	case *ast.List:
		for item := v.FirstChild(); item != nil; item = item.NextSibling() {
			s := strings.TrimSpace(strings.Join(p.lines(item), " "))
			if s == "" {
				continue
			}
			if v.IsOrdered() {
				p.add(Block{BlockType: BlockOrdered, Ordered: textBody(s)})
			} else {
				p.add(Block{BlockType: BlockBullet, Bullet: textBody(s)})
			}
		}
	case *ast.Blockquote:
		if s := strings.TrimSpace(strings.Join(p.lines(v), "\n")); s != "" {
			p.add(textBlock("> " + s))
		}
	case *ast.Paragraph:
		if img, ok := soleImage(v, p.source); ok {
			p.image(img)
			return
		}
		for _, line := range p.lines(v) {
			if strings.TrimSpace(line) != "" {
				p.add(textBlock(line))
			}
		}
	default:
		for _, line := range p.lines(n) {
			if strings.TrimSpace(line) != "" {
				p.add(textBlock(line))
			}
		}
	}
}

func (p *itemParser) image(img *ast.Image) {
	src := string(img.Destination)
	if path, ok := p.localImage(src); ok {
		p.flush()
		p.items = append(p.items, Item{Image: path})
		return
	}
	alt := strings.TrimSpace(inlineText(img, p.source))
	if alt == "" {
		alt = "image"
	}
	p.add(textBlock("[" + alt + "]"))
}

func (p *itemParser) localImage(src string) (string, bool) {
	if src == "" || strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return "", false
	}
	candidates := []string{src}
	if !filepath.IsAbs(src) {
		candidates = []string{filepath.Join(p.assetsDir, src)}
		if strings.HasPrefix(src, "assets/") {
			candidates = append(candidates, filepath.Join(filepath.Dir(p.assetsDir), src))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return c, true
		}
	}
	return "", false
}

// lines returns the raw source lines of n, or of its descendant blocks when
// n is a container.
func (p *itemParser) lines(n ast.Node) []string {
	var out []string
	if segs := n.Lines(); segs != nil && segs.Len() > 0 {
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			out = append(out, strings.TrimRight(string(seg.Value(p.source)), "\r\n"))
		}
		return out
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Type() == ast.TypeBlock {
			out = append(out, p.lines(c)...)
		}
	}
	return out
}

func soleImage(para *ast.Paragraph, source []byte) (*ast.Image, bool) {
	var img *ast.Image
	for c := para.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Image:
			if img != nil {
				return nil, false
			}
			img = v
		case *ast.Text:
			if len(strings.TrimSpace(string(v.Segment.Value(source)))) > 0 {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return img, img != nil
}

func inlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := c.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(source))
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
