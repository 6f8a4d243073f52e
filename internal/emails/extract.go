package emails

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/crawlic/internal/dom"
)

var addressPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)

// placeholderDomains are domains that show up in templates, analytics
// snippets and docs rather than as real contacts.
var placeholderDomains = map[string]bool{
	"example.com":          true,
	"test.com":             true,
	"domain.com":           true,
	"yoursite.com":         true,
	"yourdomain.com":       true,
	"website.com":          true,
	"company.com":          true,
	"business.com":         true,
	"sentry.io":            true,
	"google-analytics.com": true,
	"googletagmanager.com": true,
}

var hiddenText = map[string]bool{"script": true, "style": true, "noscript": true}

// blockTags break the running text. Inline content is concatenated as is,
// so an address split across inline elements still reads as one word.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "body": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true, "fieldset": true,
	"figcaption": true, "figure": true, "footer": true, "form": true, "h1": true,
	"h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "head": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true, "ol": true,
	"option": true, "p": true, "pre": true, "section": true, "table": true,
	"tbody": true, "td": true, "tfoot": true, "th": true, "thead": true,
	"title": true, "tr": true, "ul": true,
}

// Extract returns the plausible email addresses found in markup, lower-cased
// and in first-seen order.
func Extract(markup string) []string {
	tree, err := dom.Parse(markup)
	if err != nil {
		return nil
	}
	root := tree.Root()

	var b strings.Builder
	writeText(tree, root, &b)
	b.WriteByte(' ')
	tree.Walk(root, func(id dom.NodeID) bool {
		if tree.Kind(id) != dom.ElementNode {
			return true
		}
		if hiddenText[tree.Tag(id)] {
			return false
		}
		if tree.Tag(id) == "a" {
			if href, ok := tree.Attr(id, "href"); ok {
				if target, ok := mailtoTarget(href); ok {
					b.WriteString(" " + target + " ")
				}
			}
		}
		for _, a := range tree.Attrs(id) {
			if strings.Contains(a.Val, "@") {
				b.WriteString(" " + a.Val + " ")
			}
		}
		return true
	})

	return filter(addressPattern.FindAllString(b.String(), -1))
}

func writeText(t *dom.Tree, id dom.NodeID, b *strings.Builder) {
	switch t.Kind(id) {
	case dom.TextNode:
		b.WriteString(t.Data(id))
		return
	case dom.CommentNode:
		return
	case dom.ElementNode:
		tag := t.Tag(id)
		if hiddenText[tag] {
			return
		}
		if blockTags[tag] {
			b.WriteByte(' ')
			defer b.WriteByte(' ')
		}
	}
	for _, c := range t.Children(id) {
		writeText(t, c, b)
	}
}

func mailtoTarget(href string) (string, bool) {
	if len(href) < len("mailto:") || !strings.EqualFold(href[:len("mailto:")], "mailto:") {
		return "", false
	}
	target, _, _ := strings.Cut(href[len("mailto:"):], "?")
	return target, true
}

func filter(matches []string) []string {
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		addr := strings.ToLower(strings.TrimSpace(m))
		if !plausible(addr) || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func plausible(addr string) bool {
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}
	switch {
	case placeholderDomains[domain]:
		return false
	case strings.HasSuffix(addr, ".png"), strings.HasSuffix(addr, ".jpg"), strings.HasSuffix(addr, ".js"):
		return false
	case len(addr) <= 5:
		return false
	case !strings.Contains(domain, "."):
		return false
	}
	return true
}
