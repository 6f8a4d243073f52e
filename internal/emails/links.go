package emails

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var contactKeywords = []string{
	"contact", "contact-us", "contact_us", "contactus",
	"about", "about-us", "about_us", "aboutus",
	"team", "staff", "management",
	"support", "help", "feedback",
}

var commonContactPaths = []string{
	"/contact", "/contact-us", "/contact_us", "/contactus",
	"/about", "/about-us", "/about_us", "/aboutus",
	"/team", "/staff", "/support", "/help",
}

// Origin returns scheme://host for rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// ContactLinks lists likely contact pages for a site: links on the current
// page whose href or text mentions a contact keyword, followed by common
// contact paths, de-duplicated and capped at limit.
func ContactLinks(markup, origin string, limit int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		if !mentionsContact(strings.ToLower(href), text) {
			return
		}
		if resolved, ok := resolve(origin, href); ok {
			add(resolved)
		}
	})
	for _, p := range commonContactPaths {
		add(origin + p)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func mentionsContact(href, text string) bool {
	for _, kw := range contactKeywords {
		if strings.Contains(href, kw) || strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func resolve(origin, href string) (string, bool) {
	switch {
	case strings.HasPrefix(href, "/"):
		return origin + href, true
	case strings.HasPrefix(strings.ToLower(href), "http"):
		return href, true
	}
	base, err := url.Parse(origin + "/")
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}
