package sources

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(body))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// walk visits every element node under root until pred returns true.
func walk(root *html.Node, pred func(*html.Node) bool) *html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && pred(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := walk(c, pred); found != nil {
			return found
		}
	}
	return nil
}

// walkAll collects every element node under root matching pred.
func walkAll(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n == nil {
			return
		}
		if n.Type == html.ElementNode && pred(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(root)
	return out
}

func findByID(root *html.Node, id string) *html.Node {
	return walk(root, func(n *html.Node) bool { return attr(n, "id") == id })
}

func findByTag(root *html.Node, tag string) *html.Node {
	return walk(root, func(n *html.Node) bool { return n.Data == tag })
}

func findAllByTag(root *html.Node, tag string) []*html.Node {
	return walkAll(root, func(n *html.Node) bool { return n.Data == tag })
}

func findAllByClass(root *html.Node, tag, class string) []*html.Node {
	return walkAll(root, func(n *html.Node) bool {
		return (tag == "" || n.Data == tag) && hasClass(n, class)
	})
}

func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.TrimSpace(b.String())
}
