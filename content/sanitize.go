package content

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// allowedTags may be rendered. Everything else is unwrapped to its text.
var allowedTags = map[string]bool{
	"p": true, "br": true, "b": true, "strong": true, "i": true, "em": true, "u": true,
	"blockquote": true, "img": true, "a": true, "ul": true, "ol": true, "li": true,
	"div": true, "span": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"pre": true, "code": true, "figure": true, "figcaption": true,
}

// droppedTags are removed with their contents.
var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"form": true, "svg": true, "math": true, "head": true, "title": true,
}

// replacedTags leave a placeholder so readers know media was removed.
var replacedTags = map[string]bool{
	"video": true, "audio": true, "embed": true, "object": true,
}

var voidTags = map[string]bool{"br": true, "img": true}

// Sanitize renders an untrusted HTML fragment keeping only safe tags and URLs.
func Sanitize(fragment string) string {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctx)
	if err != nil {
		return html.EscapeString(fragment)
	}

	var b strings.Builder
	for _, n := range nodes {
		writeSafe(&b, n)
	}
	return b.String()
}

func writeSafe(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		writeChildren(b, n)
		return
	}

	tag := strings.ToLower(n.Data)
	switch {
	case droppedTags[tag]:
		return
	case tag == "iframe":
		if src := attr(n, "src"); src != "" && isSafeURL(src) {
			b.WriteString(`[iframe: <a href="`)
			b.WriteString(html.EscapeString(src))
			b.WriteString(`">`)
			b.WriteString(html.EscapeString(src))
			b.WriteString("</a>]")
		} else {
			b.WriteString("[replaced iframe]")
		}
		return
	case replacedTags[tag]:
		b.WriteString("[replaced " + tag + "]")
		return
	case !allowedTags[tag]:
		writeChildren(b, n)
		return
	}

	b.WriteString("<" + tag)
	switch tag {
	case "img":
		if src := attr(n, "src"); src != "" && isSafeURL(src) {
			b.WriteString(` src="` + html.EscapeString(src) + `"`)
		}
		if alt := attr(n, "alt"); alt != "" {
			b.WriteString(` alt="` + html.EscapeString(alt) + `"`)
		}
	case "a":
		if href := attr(n, "href"); href != "" && isSafeURL(href) {
			b.WriteString(` href="` + html.EscapeString(href) + `" rel="noopener noreferrer"`)
		}
	}
	b.WriteString(">")
	if voidTags[tag] {
		return
	}
	writeChildren(b, n)
	b.WriteString("</" + tag + ">")
}

func writeChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeSafe(b, c)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// isSafeURL allows http, https and relative URLs. Blocks javascript:, data:, etc.
func isSafeURL(u string) bool {
	u = strings.ToLower(strings.TrimSpace(u))
	if u == "" {
		return false
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return true
	}
	if strings.HasPrefix(u, "//") {
		return false
	}
	return !strings.Contains(u, ":")
}
