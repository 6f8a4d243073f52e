// Package distill reduces a rendered page to a compact, semantically clean
// HTML fragment containing only the main content.
package distill

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/crawlic/internal/dom"
)

// RawDocument is markup captured from a browser session.
type RawDocument struct {
	URL    string
	Markup string
}

// Selector picks a main-content candidate by tag and optional class token.
type Selector struct {
	Tag   string
	Class string
}

func (s Selector) matches(t *dom.Tree, id dom.NodeID) bool {
	if t.Tag(id) != s.Tag {
		return false
	}
	return s.Class == "" || t.HasClass(id, s.Class)
}

// Rules configures an Engine.
type Rules struct {
	// Selectors are tried in order; the first one with a match wins.
	Selectors []Selector
	// AlwaysStrip lists tags removed with their subtree.
	AlwaysStrip []string
	// StripUnlessLinked lists tags removed only when they contain no link.
	StripUnlessLinked []string
	// Allowed lists the tags that survive; others are unwrapped.
	Allowed []string
	// KeepAttrs lists the attributes kept on non-root elements.
	KeepAttrs []string
	// Collapsible lists tags merged with a single same-tag child.
	Collapsible []string
	// RootTag is emitted for the fragment root when its tag is not allowed.
	// The default rules select article and main, which are not allowed, so
	// those roots come out as div rather than keeping their own tag.
	RootTag string
}

// DefaultRules returns the standard distillation rule set.
func DefaultRules() Rules {
	return Rules{
		Selectors: []Selector{
			{Tag: "article"},
			{Tag: "div", Class: "post-content"},
			{Tag: "div", Class: "blog-post"},
			{Tag: "div", Class: "article-content"},
			{Tag: "main"},
		},
		AlwaysStrip:       []string{"script", "style", "img", "svg", "iframe"},
		StripUnlessLinked: []string{"nav", "aside", "footer", "header"},
		Allowed: []string{
			"p", "ul", "ol", "li", "div", "span", "a", "button",
			"h1", "h2", "h3", "h4", "h5", "h6",
			"strong", "em", "blockquote", "pre", "code",
		},
		KeepAttrs:   []string{"href", "id"},
		Collapsible: []string{"div", "span"},
		RootTag:     "div",
	}
}

// invisible holds tags whose text does not count as visible.
var invisible = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}

var (
	whitespaceRun = regexp.MustCompile(`[\s\p{Zs}]+`)
	interTagSpace = regexp.MustCompile(`>[\s\p{Zs}]+<`)
)

// Engine distills markup according to its rules. It holds no per-call state
// and is safe for concurrent use.
type Engine struct {
	rules       Rules
	alwaysStrip map[string]bool
	unlessLink  map[string]bool
	allowed     map[string]bool
	keepAttrs   map[string]bool
	collapsible map[string]bool
}

// New builds an Engine from rules.
func New(rules Rules) *Engine {
	return &Engine{
		rules:       rules,
		alwaysStrip: set(rules.AlwaysStrip),
		unlessLink:  set(rules.StripUnlessLinked),
		allowed:     set(rules.Allowed),
		keepAttrs:   set(rules.KeepAttrs),
		collapsible: set(rules.Collapsible),
	}
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

var defaultEngine = New(DefaultRules())

// Distill runs the default engine over markup.
func Distill(markup string) string {
	return defaultEngine.Distill(markup)
}

// Document distills a captured document with the default engine.
func Document(doc RawDocument) string {
	return defaultEngine.Distill(doc.Markup)
}

// Distill returns the cleaned main-content fragment, or "" when the markup
// has no content candidate or the candidate has no text.
//
// Unwrapping can leave nesting that an HTML parser rebuilds differently, such
// as a p inside a p or an a inside an a. The fragment is re-parsed and cleaned
// again until it serializes to itself.
func (e *Engine) Distill(markup string) string {
	tree, err := dom.Parse(markup)
	if err != nil {
		return ""
	}
	root, ok := e.selectMain(tree)
	if !ok {
		return ""
	}
	out := e.clean(tree, root)
	for range maxReparse {
		if out == "" {
			break
		}
		tree, err := dom.Parse(out)
		if err != nil {
			break
		}
		root, ok := fragmentRoot(tree)
		if !ok {
			break
		}
		next := e.clean(tree, root)
		if next == out {
			break
		}
		out = next
	}
	return out
}

// maxReparse bounds the re-parse loop; nesting repairs settle in one or two rounds.
const maxReparse = 4

func (e *Engine) clean(tree *dom.Tree, root dom.NodeID) string {
	e.strip(tree, root)
	e.restrict(tree, root)
	e.collapse(tree, root)
	if e.prune(tree, root) > 0 {
		e.collapse(tree, root)
	}
	if !tree.HasText(root) {
		return ""
	}

	rootTag := ""
	if !e.allowed[tree.Tag(root)] {
		rootTag = e.rules.RootTag
	}
	return normalize(tree.Render(root, dom.RenderOptions{RootTag: rootTag}))
}

// fragmentRoot returns the single element a re-parsed fragment produced. It
// fails when the parser split the fragment into several top-level nodes.
func fragmentRoot(t *dom.Tree) (dom.NodeID, bool) {
	body, ok := t.Find(t.Root(), func(id dom.NodeID) bool { return t.Tag(id) == "body" })
	if !ok {
		return dom.None, false
	}
	only := dom.None
	for _, c := range t.Children(body) {
		switch t.Kind(c) {
		case dom.ElementNode:
			if only != dom.None {
				return dom.None, false
			}
			only = c
		case dom.TextNode:
			if strings.TrimSpace(t.Data(c)) != "" {
				return dom.None, false
			}
		}
	}
	return only, only != dom.None
}

func (e *Engine) selectMain(t *dom.Tree) (dom.NodeID, bool) {
	for _, sel := range e.rules.Selectors {
		if id, ok := t.Find(t.Root(), func(id dom.NodeID) bool { return sel.matches(t, id) }); ok {
			return id, true
		}
	}
	best, bestLen := dom.None, -1
	for _, id := range t.Elements(t.Root()) {
		if t.Tag(id) != "div" {
			continue
		}
		// Strict comparison keeps the first div in document order on ties.
		if n := visibleTextLen(t, id); n > bestLen {
			best, bestLen = id, n
		}
	}
	return best, best != dom.None
}

func visibleTextLen(t *dom.Tree, id dom.NodeID) int {
	total := 0
	for _, run := range t.TextRuns(id, invisible) {
		total += utf8.RuneCountInString(strings.TrimSpace(run))
	}
	return total
}

// strip removes unwanted subtrees and comments below root.
func (e *Engine) strip(t *dom.Tree, root dom.NodeID) {
	var doomed []dom.NodeID
	t.Walk(root, func(id dom.NodeID) bool {
		if id == root {
			return true
		}
		switch t.Kind(id) {
		case dom.CommentNode:
			doomed = append(doomed, id)
		case dom.ElementNode:
			tag := t.Tag(id)
			if e.alwaysStrip[tag] || (e.unlessLink[tag] && !t.HasDescendant(id, "a")) {
				doomed = append(doomed, id)
				return false
			}
		}
		return true
	})
	for _, id := range doomed {
		t.Remove(id)
	}
}

// restrict enforces the attribute and tag allow-lists.
func (e *Engine) restrict(t *dom.Tree, root dom.NodeID) {
	t.SetAttrs(root, nil)
	for _, id := range t.Elements(root) {
		if !e.allowed[t.Tag(id)] {
			t.Unwrap(id)
			continue
		}
		t.KeepAttrs(id, e.keepAttrs)
	}
}

// collapse unwraps collapsible elements whose only child is an element with
// the same tag and that carry no direct text, until nothing changes.
func (e *Engine) collapse(t *dom.Tree, root dom.NodeID) {
	work := t.Elements(root)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if !t.Attached(id) || !e.collapsible[t.Tag(id)] {
			continue
		}
		child, ok := soleSameTagChild(t, id)
		if !ok {
			continue
		}
		t.Unwrap(id)
		// The promoted child now sits under a new parent and may itself collapse.
		work = append(work, child)
	}
}

func soleSameTagChild(t *dom.Tree, id dom.NodeID) (dom.NodeID, bool) {
	only := dom.None
	for _, c := range t.Children(id) {
		switch t.Kind(c) {
		case dom.TextNode:
			if strings.TrimSpace(t.Data(c)) != "" {
				return dom.None, false
			}
		case dom.ElementNode:
			if only != dom.None {
				return dom.None, false
			}
			only = c
		}
	}
	if only == dom.None || t.Tag(only) != t.Tag(id) {
		return dom.None, false
	}
	return only, true
}

// prune deletes every non-root element whose text is empty and returns the
// number of removed elements.
func (e *Engine) prune(t *dom.Tree, root dom.NodeID) int {
	removed := 0
	work := t.Elements(root)
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if !t.Attached(id) || t.HasText(id) {
			continue
		}
		parent := t.Parent(id)
		t.Remove(id)
		removed++
		if parent != root && parent != dom.None {
			work = append(work, parent)
		}
	}
	return removed
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = interTagSpace.ReplaceAllString(s, "><")
	return strings.TrimSpace(s)
}
