package render

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

const (
	SurfaceWidth  = 500
	SurfaceHeight = 350
)

var surfaceViewBox = fmt.Sprintf("0 0 %d %d", SurfaceWidth, SurfaceHeight)

var (
	ErrNodeLimit           = errors.New("chart exceeded the maximum number of elements")
	ErrElementNotAllowed   = errors.New("element is not allowed in a chart")
	ErrAttributeNotAllowed = errors.New("attribute is not allowed in a chart")
)

// svgElements are the elements chart code may create. Nothing that runs
// script, animates attributes or embeds foreign documents is listed.
var svgElements = map[string]bool{
	"svg": true, "g": true, "defs": true, "title": true, "desc": true,
	"rect": true, "circle": true, "ellipse": true, "line": true,
	"polyline": true, "polygon": true, "path": true,
	"text": true, "tspan": true, "textPath": true,
	"linearGradient": true, "radialGradient": true, "stop": true,
	"clipPath": true, "mask": true, "pattern": true, "marker": true,
	"symbol": true, "use": true, "a": true, "image": true,
}

var attrNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:-]*$`)

func checkElement(tag string) error {
	if !svgElements[tag] {
		return fmt.Errorf("%w: %q", ErrElementNotAllowed, tag)
	}
	return nil
}

// checkAttr rejects event handlers, malformed names and script URLs.
func checkAttr(name, value string) error {
	lower := strings.ToLower(name)
	if !attrNameRegex.MatchString(name) || strings.HasPrefix(lower, "on") {
		return fmt.Errorf("%w: %q", ErrAttributeNotAllowed, name)
	}
	switch lower {
	case "href", "xlink:href", "src":
		if unsafeURL(value) {
			return fmt.Errorf("%w: %s=%q", ErrAttributeNotAllowed, name, value)
		}
	}
	return nil
}

// unsafeURL reports script-capable schemes. Browsers ignore whitespace and
// control characters inside the scheme, so those are dropped first.
func unsafeURL(value string) bool {
	scheme := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, strings.ToLower(value))
	for _, p := range []string{"javascript:", "vbscript:", "data:"} {
		if strings.HasPrefix(scheme, p) {
			return true
		}
	}
	return false
}

type property struct {
	name  string
	value string
}

// node is one element of the drawing surface. Attributes and styles keep
// insertion order so the serialized markup is stable.
type node struct {
	tag      string
	attrs    []property
	styles   []property
	text     string
	children []*node
	parent   *node
	datum    goja.Value
}

func (n *node) setProp(list *[]property, name, value string) {
	for i := range *list {
		if (*list)[i].name == name {
			(*list)[i].value = value
			return
		}
	}
	*list = append(*list, property{name: name, value: value})
}

func (n *node) removeProp(list *[]property, name string) {
	for i := range *list {
		if (*list)[i].name == name {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (n *node) getProp(list []property, name string) (string, bool) {
	for _, p := range list {
		if p.name == name {
			return p.value, true
		}
	}
	return "", false
}

func (n *node) attr(name string) (string, bool) { return n.getProp(n.attrs, name) }

func (n *node) classes() []string {
	v, _ := n.attr("class")
	return strings.Fields(v)
}

func (n *node) hasClass(c string) bool {
	for _, x := range n.classes() {
		if x == c {
			return true
		}
	}
	return false
}

func (n *node) setClass(c string, on bool) {
	var out []string
	for _, x := range n.classes() {
		if x != c {
			out = append(out, x)
		}
	}
	if on {
		out = append(out, c)
	}
	if len(out) == 0 {
		n.removeProp(&n.attrs, "class")
		return
	}
	n.setProp(&n.attrs, "class", strings.Join(out, " "))
}

func (n *node) detach() {
	if n.parent == nil {
		return
	}
	siblings := n.parent.children
	for i, c := range siblings {
		if c == n {
			n.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// surface owns the element tree a chart draws into.
type surface struct {
	root     *node
	count    int
	maxNodes int
}

func newSurface(maxNodes int) *surface {
	root := &node{tag: "svg"}
	root.setProp(&root.attrs, "width", "100%")
	root.setProp(&root.attrs, "height", strconv.Itoa(SurfaceHeight))
	root.setProp(&root.attrs, "viewBox", surfaceViewBox)
	root.setProp(&root.styles, "background", "transparent")
	return &surface{root: root, count: 1, maxNodes: maxNodes}
}

func (s *surface) appendChild(parent *node, tag string) (*node, error) {
	if err := checkElement(tag); err != nil {
		return nil, err
	}
	if s.maxNodes > 0 && s.count >= s.maxNodes {
		return nil, ErrNodeLimit
	}
	child := &node{tag: tag, parent: parent, datum: parent.datum}
	parent.children = append(parent.children, child)
	s.count++
	return child, nil
}

// reset drops everything drawn so far.
func (s *surface) reset() {
	s.root.children = nil
	s.count = 1
}

func (s *surface) markup() string {
	var b strings.Builder
	writeNode(&b, s.root)
	return b.String()
}

func writeNode(b *strings.Builder, n *node) {
	b.WriteByte('<')
	b.WriteString(n.tag)
	for _, a := range n.attrs {
		if checkAttr(a.name, a.value) != nil {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(html.EscapeString(a.name))
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.value))
		b.WriteByte('"')
	}
	if len(n.styles) > 0 {
		parts := make([]string, 0, len(n.styles))
		for _, s := range n.styles {
			parts = append(parts, s.name+": "+s.value)
		}
		b.WriteString(` style="`)
		b.WriteString(html.EscapeString(strings.Join(parts, "; ")))
		b.WriteByte('"')
	}
	if n.text == "" && len(n.children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	b.WriteString(html.EscapeString(n.text))
	for _, c := range n.children {
		if checkElement(c.tag) != nil {
			continue
		}
		writeNode(b, c)
	}
	b.WriteString("</")
	b.WriteString(n.tag)
	b.WriteByte('>')
}

// matcher is a compiled simple selector: tag, .class, #id, tag.class, * or
// a comma separated list of those.
type matcher []simpleSelector

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	any     bool
}

func compileSelector(sel string) matcher {
	var m matcher
	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// Only the last compound of a descendant selector is honoured.
		if fields := strings.Fields(part); len(fields) > 1 {
			part = fields[len(fields)-1]
		}
		if part == "*" {
			m = append(m, simpleSelector{any: true})
			continue
		}
		var s simpleSelector
		cur, kind := "", byte(0)
		flush := func() {
			switch kind {
			case 0:
				s.tag = cur
			case '.':
				s.classes = append(s.classes, cur)
			case '#':
				s.id = cur
			}
			cur = ""
		}
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c == '.' || c == '#' {
				flush()
				kind = c
				continue
			}
			cur += string(c)
		}
		flush()
		m = append(m, s)
	}
	return m
}

func (m matcher) matches(n *node) bool {
	for _, s := range m {
		if s.any {
			return true
		}
		if s.tag != "" && s.tag != n.tag {
			continue
		}
		if s.id != "" {
			if id, _ := n.attr("id"); id != s.id {
				continue
			}
		}
		ok := true
		for _, c := range s.classes {
			if !n.hasClass(c) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// descendants returns matching nodes below n in document order.
func (m matcher) descendants(n *node) []*node {
	var out []*node
	var walk func(*node)
	walk = func(p *node) {
		for _, c := range p.children {
			if m.matches(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}
