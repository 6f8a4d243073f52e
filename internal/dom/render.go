package dom

import "strings"

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// RenderOptions tweaks serialization of the subtree root.
type RenderOptions struct {
	// RootTag overrides the tag emitted for the subtree root.
	RootTag string
}

// Render serializes id and its attached descendants.
func (t *Tree) Render(id NodeID, opts RenderOptions) string {
	var b strings.Builder
	type frame struct {
		id   NodeID
		exit bool
	}
	stack := []frame{{id: id}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[f.id]
		tag := n.tag
		if f.id == id && opts.RootTag != "" && n.kind == ElementNode {
			tag = opts.RootTag
		}
		if f.exit {
			b.WriteString("</")
			b.WriteString(tag)
			b.WriteByte('>')
			continue
		}
		switch n.kind {
		case TextNode:
			b.WriteString(textEscaper.Replace(n.data))
			continue
		case CommentNode:
			b.WriteString("<!--")
			b.WriteString(n.data)
			b.WriteString("-->")
			continue
		case ElementNode:
			b.WriteByte('<')
			b.WriteString(tag)
			for _, a := range n.attrs {
				b.WriteByte(' ')
				b.WriteString(a.Key)
				b.WriteString(`="`)
				b.WriteString(attrEscaper.Replace(a.Val))
				b.WriteByte('"')
			}
			b.WriteByte('>')
			if voidElements[tag] {
				continue
			}
			stack = append(stack, frame{id: f.id, exit: true})
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{id: n.children[i]})
		}
	}
	return b.String()
}
