// Package meta derives page metadata (title, description, logo, hero
// image) from bookmarked URLs and turns discovered images into stored,
// normalized assets. The full pipeline runs detached from the request
// that triggered it; only the basic title/description variant is
// exposed synchronously for previews.
package meta

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Metadata is the full extraction result. An empty string means no
// rule produced a value for that field.
type Metadata struct {
	Title       string
	Description string
	Logo        string
	Image       string
}

// BasicMetadata is the synchronous preview variant. Fields that could
// not be extracted are null, never an error.
type BasicMetadata struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// pageFacts is everything a single parse pass collects; the rule
// chains pick from it afterwards.
type pageFacts struct {
	metaProp  map[string]string // <meta property=...>
	metaName  map[string]string // <meta name=...>
	icons     []string          // <link rel=*icon*> hrefs in document order
	titleText string
}

// Extract parses HTML and applies the per-field rule chains; the first
// rule that yields a value wins. Relative image/icon URLs are resolved
// against pageURL.
func Extract(body []byte, pageURL string) Metadata {
	facts := collectFacts(body)

	md := Metadata{
		Title:       firstOf(facts.metaProp["og:title"], facts.metaName["twitter:title"], facts.titleText),
		Description: firstOf(facts.metaProp["og:description"], facts.metaName["twitter:description"], facts.metaName["description"]),
		Image:       firstOf(facts.metaProp["og:image"], facts.metaName["twitter:image"]),
	}
	if len(facts.icons) > 0 {
		md.Logo = facts.icons[0]
	}

	md.Logo = resolveRef(pageURL, md.Logo)
	md.Image = resolveRef(pageURL, md.Image)
	return md
}

// ExtractBasic is the preview variant: title and description only.
func ExtractBasic(body []byte) BasicMetadata {
	facts := collectFacts(body)
	return BasicMetadata{
		Title:       optional(firstOf(facts.metaProp["og:title"], facts.metaName["twitter:title"], facts.titleText)),
		Description: optional(firstOf(facts.metaProp["og:description"], facts.metaName["twitter:description"], facts.metaName["description"])),
	}
}

func collectFacts(body []byte) pageFacts {
	facts := pageFacts{
		metaProp: make(map[string]string),
		metaName: make(map[string]string),
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		// html.Parse recovers from almost anything; a hard failure
		// just means no facts.
		return facts
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				content := attr(n, "content")
				if content != "" {
					if prop := attr(n, "property"); prop != "" {
						key := strings.ToLower(prop)
						if _, seen := facts.metaProp[key]; !seen {
							facts.metaProp[key] = content
						}
					}
					if name := attr(n, "name"); name != "" {
						key := strings.ToLower(name)
						if _, seen := facts.metaName[key]; !seen {
							facts.metaName[key] = content
						}
					}
				}
			case "link":
				rel := strings.ToLower(attr(n, "rel"))
				if strings.Contains(rel, "icon") {
					if href := attr(n, "href"); href != "" {
						facts.icons = append(facts.icons, href)
					}
				}
			case "title":
				if facts.titleText == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					facts.titleText = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return facts
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveRef makes a discovered reference absolute. Data URLs pass
// through untouched.
func resolveRef(pageURL, ref string) string {
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ref
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	target, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(target).String()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
