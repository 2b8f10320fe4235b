package sandbox

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/conneroisu/isolate/internal/instrument"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ActionAttr binds an element to a callback prop path.
const ActionAttr = "data-action"

// Document is the rendered output of one generation. Clicking an element
// runs the callbacks bound along its ancestry and suppresses navigation of
// the closest enclosing anchor.
type Document struct {
	root    *html.Node
	markup  string
	props   map[string]interface{}
	baseURL string
	emit    instrument.Emitter
	console *instrument.Console
}

// ParseDocument parses markup rendered with props.
func ParseDocument(markup string, props map[string]interface{}, baseURL string, emit instrument.Emitter, console *instrument.Console) (*Document, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rendered markup: %w", err)
	}
	return &Document{
		root:    root,
		markup:  markup,
		props:   props,
		baseURL: baseURL,
		emit:    emit,
		console: console,
	}, nil
}

// HTML returns the markup as rendered.
func (d *Document) HTML() string { return d.markup }

// Has reports whether selector matches an element.
func (d *Document) Has(selector string) bool {
	return d.Find(selector) != nil
}

// Find returns the first element matching the CSS selector, or nil when
// nothing matches or the selector is invalid.
func (d *Document) Find(selector string) *html.Node {
	n, _ := d.query(selector)
	return n
}

func (d *Document) query(selector string) (*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return cascadia.Query(d.root, sel), nil
}

// Text returns the text content of the first element matching selector.
func (d *Document) Text(selector string) (string, bool) {
	n := d.Find(selector)
	if n == nil {
		return "", false
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String()), true
}

// Click dispatches a click on the first element matching selector.
func (d *Document) Click(selector string) error {
	target, err := d.query(selector)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("no element matches %q", selector)
	}

	var anchor *html.Node
	for n := target; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if path, ok := attr(n, ActionAttr); ok && path != "" {
			d.invoke(path)
		}
		if anchor == nil && n.DataAtom == atom.A {
			if _, ok := attr(n, "href"); ok {
				anchor = n
			}
		}
	}

	if anchor != nil {
		href, _ := attr(anchor, "href")
		instrument.InterceptNavigation(href, d.baseURL, d.emit)
	}
	return nil
}

func (d *Document) invoke(path string) {
	value, ok := instrument.Lookup(d.props, path)
	if !ok {
		d.console.Warnf("No callback bound to %s", path)
		return
	}
	cb, ok := value.(instrument.Callback)
	if !ok {
		d.console.Warnf("Prop %s is not a function", path)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.console.CapturePanic(r)
		}
	}()
	cb()
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
