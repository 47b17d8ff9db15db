package whatsapp

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const thematicBreak = "──────────"

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// FormatMarkdown rewrites model output in WhatsApp's markup dialect:
// *bold*, _italic_, ~strike~ and ```mono```. Headings become bold
// lines, list markers become bullets and links become "text (url)".
// Single-asterisk emphasis stays bold since WhatsApp users (and the
// model, when told about the channel) write bold that way.
func FormatMarkdown(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	src := []byte(s)
	doc := markdown.Parser().Parse(text.NewReader(src))

	r := &waRenderer{src: src}
	return strings.TrimRight(strings.Join(r.blocks(doc), "\n\n"), "\n ")
}

type waRenderer struct {
	src []byte
}

func (r *waRenderer) blocks(parent ast.Node) []string {
	var out []string
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		if b := r.block(n); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (r *waRenderer) block(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Heading:
		inner := strings.TrimSpace(r.inline(n))
		if inner == "" {
			return ""
		}
		return "*" + inner + "*"

	case *ast.Blockquote:
		body := strings.Join(r.blocks(n), "\n\n")
		lines := strings.Split(body, "\n")
		for i, l := range lines {
			lines[i] = "> " + l
		}
		return strings.Join(lines, "\n")

	case *ast.List:
		var items []string
		num := n.Start
		if num == 0 {
			num = 1
		}
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			marker := "• "
			if n.IsOrdered() {
				marker = fmt.Sprintf("%d. ", num)
				num++
			}
			body := strings.Join(r.blocks(item), "\n")
			indent := strings.Repeat(" ", len([]rune(marker)))
			items = append(items, marker+strings.ReplaceAll(body, "\n", "\n"+indent))
		}
		return strings.Join(items, "\n")

	case *ast.FencedCodeBlock:
		return "```\n" + r.lines(n) + "\n```"

	case *ast.CodeBlock:
		return "```\n" + r.lines(n) + "\n```"

	case *ast.HTMLBlock:
		return r.lines(n)

	case *ast.ThematicBreak:
		return thematicBreak
	}
	return strings.TrimRight(r.inline(n), "\n")
}

func (r *waRenderer) lines(n ast.Node) string {
	var b strings.Builder
	segs := n.Lines()
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		b.Write(seg.Value(r.src))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *waRenderer) inline(parent ast.Node) string {
	var b strings.Builder
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.writeInline(&b, n)
	}
	return b.String()
}

func (r *waRenderer) writeInline(b *strings.Builder, n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		b.Write(n.Segment.Value(r.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			b.WriteByte('\n')
		}

	case *ast.String:
		b.Write(n.Value)

	case *ast.CodeSpan:
		b.WriteString("`" + r.inline(n) + "`")

	case *ast.Emphasis:
		mark := "_"
		if n.Level >= 2 || r.delimiter(n) == '*' {
			mark = "*"
		}
		b.WriteString(mark + r.inline(n) + mark)

	case *extast.Strikethrough:
		b.WriteString("~" + r.inline(n) + "~")

	case *ast.Link:
		label := r.inline(n)
		dest := string(n.Destination)
		if label == "" || label == dest {
			b.WriteString(dest)
		} else {
			b.WriteString(label + " (" + dest + ")")
		}

	case *ast.AutoLink:
		b.Write(n.URL(r.src))

	case *ast.Image:
		if alt := r.inline(n); alt != "" {
			b.WriteString(alt + " ")
		}
		b.WriteString("(" + string(n.Destination) + ")")

	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			b.Write(seg.Value(r.src))
		}

	default:
		b.WriteString(r.inline(n))
	}
}

// delimiter returns the character that opened an emphasis span, found
// just before its first text segment.
func (r *waRenderer) delimiter(n ast.Node) byte {
	for c := n.FirstChild(); c != nil; c = c.FirstChild() {
		if t, ok := c.(*ast.Text); ok {
			if t.Segment.Start > 0 {
				return r.src[t.Segment.Start-1]
			}
			break
		}
	}
	return '_'
}
