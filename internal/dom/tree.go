// Package dom holds parsed markup in an index-addressed arena.
//
// Nodes never own their parents: every node stores the NodeID of its parent
// and the ordered NodeIDs of its children, so structural edits (remove,
// unwrap) are slice operations on the arena and never create cycles.
package dom

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// NodeID addresses a node inside a Tree.
type NodeID int

// None marks the absence of a node (for example the parent of the document).
const None NodeID = -1

// Kind distinguishes node flavours.
type Kind uint8

// Node kinds carried by the arena.
const (
	DocumentNode Kind = iota
	ElementNode
	TextNode
	CommentNode
)

// Attr is one element attribute. Keys are unique per element.
type Attr struct {
	Key string
	Val string
}

type node struct {
	kind     Kind
	tag      string
	data     string
	attrs    []Attr
	parent   NodeID
	children []NodeID
	detached bool
}

// Tree is an arena of nodes rooted at a document node.
type Tree struct {
	nodes []node
	root  NodeID
}

// Parse builds a Tree from markup. Scripting is disabled so noscript
// content is parsed as markup rather than raw text.
func Parse(markup string) (*Tree, error) {
	doc, err := html.ParseWithOptions(strings.NewReader(markup), html.ParseOptionEnableScripting(false))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	t := &Tree{root: None}
	type frame struct {
		src    *html.Node
		parent NodeID
	}
	stack := []frame{{src: doc, parent: None}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		id, ok := t.adopt(f.src, f.parent)
		if !ok {
			continue
		}
		if f.parent == None {
			t.root = id
		}
		// Push children in reverse so they pop in document order.
		for c := f.src.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, frame{src: c, parent: id})
		}
	}
	return t, nil
}

func (t *Tree) adopt(src *html.Node, parent NodeID) (NodeID, bool) {
	n := node{parent: parent}
	switch src.Type {
	case html.DocumentNode:
		n.kind = DocumentNode
	case html.ElementNode:
		n.kind = ElementNode
		n.tag = strings.ToLower(src.Data)
		n.attrs = make([]Attr, 0, len(src.Attr))
		for _, a := range src.Attr {
			if a.Namespace != "" || hasKey(n.attrs, a.Key) {
				continue
			}
			n.attrs = append(n.attrs, Attr{Key: a.Key, Val: a.Val})
		}
	case html.TextNode:
		n.kind = TextNode
		n.data = src.Data
	case html.CommentNode:
		n.kind = CommentNode
		n.data = src.Data
	default:
		return None, false
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, n)
	if parent != None {
		t.nodes[parent].children = append(t.nodes[parent].children, id)
	}
	return id, true
}

func hasKey(attrs []Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Root returns the document node.
func (t *Tree) Root() NodeID { return t.root }

// Len reports the arena size, including detached nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Kind returns the node kind.
func (t *Tree) Kind(id NodeID) Kind { return t.nodes[id].kind }

// Tag returns the lower-cased element name, or "" for non-elements.
func (t *Tree) Tag(id NodeID) string { return t.nodes[id].tag }

// IsElement reports whether id is an element with the given tag.
func (t *Tree) IsElement(id NodeID, tag string) bool {
	n := &t.nodes[id]
	return n.kind == ElementNode && n.tag == tag
}

// Data returns the raw text of a text or comment node.
func (t *Tree) Data(id NodeID) string { return t.nodes[id].data }

// Parent returns the parent of id, or None.
func (t *Tree) Parent(id NodeID) NodeID { return t.nodes[id].parent }

// Children returns the ordered children of id. The slice must not be modified.
func (t *Tree) Children(id NodeID) []NodeID { return t.nodes[id].children }

// Attached reports whether the node is still part of the tree.
func (t *Tree) Attached(id NodeID) bool { return !t.nodes[id].detached }

// Attrs returns the attributes of id in source order.
func (t *Tree) Attrs(id NodeID) []Attr { return t.nodes[id].attrs }

// Attr returns the value of key on id.
func (t *Tree) Attr(id NodeID, key string) (string, bool) {
	for _, a := range t.nodes[id].attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttrs replaces the attribute list of id.
func (t *Tree) SetAttrs(id NodeID, attrs []Attr) { t.nodes[id].attrs = attrs }

// KeepAttrs drops every attribute of id whose key is not in keep.
func (t *Tree) KeepAttrs(id NodeID, keep map[string]bool) {
	n := &t.nodes[id]
	n.attrs = slices.DeleteFunc(n.attrs, func(a Attr) bool { return !keep[a.Key] })
}

// HasClass reports whether the class attribute of id contains the token.
func (t *Tree) HasClass(id NodeID, class string) bool {
	v, ok := t.Attr(id, "class")
	if !ok {
		return false
	}
	return slices.Contains(strings.Fields(v), class)
}

// Remove detaches id and its subtree from the tree.
func (t *Tree) Remove(id NodeID) {
	parent := t.nodes[id].parent
	if parent != None {
		p := &t.nodes[parent]
		p.children = slices.DeleteFunc(p.children, func(c NodeID) bool { return c == id })
	}
	t.Walk(id, func(d NodeID) bool {
		t.nodes[d].detached = true
		return true
	})
	t.nodes[id].parent = None
}

// Unwrap replaces id with its children in its parent's child list.
func (t *Tree) Unwrap(id NodeID) {
	n := &t.nodes[id]
	parent := n.parent
	if parent == None {
		return
	}
	kids := n.children
	n.children = nil
	n.detached = true
	n.parent = None
	for _, c := range kids {
		t.nodes[c].parent = parent
	}
	p := &t.nodes[parent]
	idx := slices.Index(p.children, id)
	p.children = slices.Replace(p.children, idx, idx+1, kids...)
}

// Walk visits id and its attached descendants in document order. Returning
// false from visit skips the node's subtree.
func (t *Tree) Walk(id NodeID, visit func(NodeID) bool) {
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(cur) {
			continue
		}
		kids := t.nodes[cur].children
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
}

// Elements returns the element descendants of id (excluding id) in document order.
func (t *Tree) Elements(id NodeID) []NodeID {
	var out []NodeID
	t.Walk(id, func(d NodeID) bool {
		if d != id && t.nodes[d].kind == ElementNode {
			out = append(out, d)
		}
		return true
	})
	return out
}

// Find returns the first element below id (excluding id) that matches.
func (t *Tree) Find(id NodeID, match func(NodeID) bool) (NodeID, bool) {
	found := None
	t.Walk(id, func(d NodeID) bool {
		if found != None {
			return false
		}
		if d != id && t.nodes[d].kind == ElementNode && match(d) {
			found = d
			return false
		}
		return true
	})
	return found, found != None
}

// HasDescendant reports whether id contains an element with the given tag.
func (t *Tree) HasDescendant(id NodeID, tag string) bool {
	_, ok := t.Find(id, func(d NodeID) bool { return t.nodes[d].tag == tag })
	return ok
}

// TextRuns returns the text nodes below id in document order, skipping the
// subtrees of elements whose tag is in skip.
func (t *Tree) TextRuns(id NodeID, skip map[string]bool) []string {
	var runs []string
	t.Walk(id, func(d NodeID) bool {
		n := &t.nodes[d]
		switch n.kind {
		case ElementNode:
			return !skip[n.tag]
		case TextNode:
			runs = append(runs, n.data)
		}
		return true
	})
	return runs
}

// Text concatenates every text run below id.
func (t *Tree) Text(id NodeID) string {
	return strings.Join(t.TextRuns(id, nil), "")
}

// HasText reports whether any text run below id has non-whitespace content.
func (t *Tree) HasText(id NodeID) bool {
	found := false
	t.Walk(id, func(d NodeID) bool {
		if found {
			return false
		}
		n := &t.nodes[d]
		if n.kind == TextNode && strings.TrimSpace(n.data) != "" {
			found = true
		}
		return true
	})
	return found
}
