package render

import (
	"errors"
	"strconv"

	"github.com/dop251/goja"
)

// group is a run of nodes sharing a parent, as in a D3 selection. Enter
// selections carry pending data instead of nodes.
type group struct {
	parent  *node
	nodes   []*node
	pending []goja.Value
}

type selection struct {
	groups []group
	enter  *selection
	exit   *selection
}

func (s *selection) each(fn func(n *node, i int)) {
	for _, g := range s.groups {
		for i, n := range g.nodes {
			fn(n, i)
		}
	}
}

func (s *selection) first() *node {
	for _, g := range s.groups {
		if len(g.nodes) > 0 {
			return g.nodes[0]
		}
	}
	return nil
}

func (s *selection) size() int {
	n := 0
	for _, g := range s.groups {
		n += len(g.nodes) + len(g.pending)
	}
	return n
}

// binding exposes selections of one surface to one interpreter.
type binding struct {
	vm   *goja.Runtime
	surf *surface
	sels map[*goja.Object]*selection
}

func newBinding(vm *goja.Runtime, surf *surface) *binding {
	return &binding{vm: vm, surf: surf, sels: make(map[*goja.Object]*selection)}
}

func (b *binding) root() *goja.Object {
	return b.wrap(&selection{groups: []group{{nodes: []*node{b.surf.root}}}})
}

// throw raises err inside the interpreter.
func (b *binding) throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		panic(ie)
	}
	panic(b.vm.NewGoError(err))
}

func (b *binding) datumOf(n *node) goja.Value {
	if n == nil || n.datum == nil {
		return goja.Undefined()
	}
	return n.datum
}

// eval resolves a constant or a function(d, i) argument for one node.
func (b *binding) eval(arg goja.Value, n *node, i int) goja.Value {
	fn, ok := goja.AssertFunction(arg)
	if !ok {
		return arg
	}
	v, err := fn(goja.Undefined(), b.datumOf(n), b.vm.ToValue(i))
	if err != nil {
		b.throw(err)
	}
	return v
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

func (b *binding) unwrap(v goja.Value) (*selection, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	s, ok := b.sels[obj]
	return s, ok
}

func (b *binding) wrap(sel *selection) *goja.Object {
	obj := b.vm.NewObject()
	b.sels[obj] = sel
	self := func(goja.FunctionCall) goja.Value { return obj }

	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = obj.Set(name, fn)
	}

	set("append", func(call goja.FunctionCall) goja.Value {
		return b.wrap(b.appendTo(sel, call.Argument(0)))
	})
	set("insert", func(call goja.FunctionCall) goja.Value {
		return b.wrap(b.appendTo(sel, call.Argument(0)))
	})
	set("select", func(call goja.FunctionCall) goja.Value {
		m := compileSelector(call.Argument(0).String())
		out := &selection{}
		for _, g := range sel.groups {
			ng := group{parent: g.parent}
			for _, n := range g.nodes {
				found := m.descendants(n)
				if len(found) == 0 {
					continue
				}
				if n.datum != nil {
					found[0].datum = n.datum
				}
				ng.nodes = append(ng.nodes, found[0])
			}
			out.groups = append(out.groups, ng)
		}
		return b.wrap(out)
	})
	set("selectAll", func(call goja.FunctionCall) goja.Value {
		m := compileSelector(call.Argument(0).String())
		out := &selection{}
		sel.each(func(n *node, _ int) {
			out.groups = append(out.groups, group{parent: n, nodes: m.descendants(n)})
		})
		return b.wrap(out)
	})
	set("filter", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		out := &selection{}
		for _, g := range sel.groups {
			ng := group{parent: g.parent}
			for i, n := range g.nodes {
				var keep bool
				if _, isFn := goja.AssertFunction(arg); isFn {
					keep = b.eval(arg, n, i).ToBoolean()
				} else {
					keep = compileSelector(arg.String()).matches(n)
				}
				if keep {
					ng.nodes = append(ng.nodes, n)
				}
			}
			out.groups = append(out.groups, ng)
		}
		return b.wrap(out)
	})

	set("attr", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if len(call.Arguments) < 2 {
			if n := sel.first(); n != nil {
				if v, ok := n.attr(name); ok {
					return b.vm.ToValue(v)
				}
			}
			return goja.Null()
		}
		if err := checkAttr(name, ""); err != nil {
			b.throw(err)
		}
		sel.each(func(n *node, i int) {
			v := b.eval(call.Argument(1), n, i)
			if present(v) {
				if err := checkAttr(name, v.String()); err != nil {
					b.throw(err)
				}
				n.setProp(&n.attrs, name, v.String())
			} else {
				n.removeProp(&n.attrs, name)
			}
		})
		return obj
	})
	set("style", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if len(call.Arguments) < 2 {
			if n := sel.first(); n != nil {
				if v, ok := n.getProp(n.styles, name); ok {
					return b.vm.ToValue(v)
				}
			}
			return b.vm.ToValue("")
		}
		sel.each(func(n *node, i int) {
			v := b.eval(call.Argument(1), n, i)
			if present(v) {
				n.setProp(&n.styles, name, v.String())
			} else {
				n.removeProp(&n.styles, name)
			}
		})
		return obj
	})
	set("classed", func(call goja.FunctionCall) goja.Value {
		names := compileSelector("." + call.Argument(0).String())
		if len(call.Arguments) < 2 {
			n := sel.first()
			return b.vm.ToValue(n != nil && names.matches(n))
		}
		sel.each(func(n *node, i int) {
			on := b.eval(call.Argument(1), n, i).ToBoolean()
			for _, s := range names {
				for _, c := range s.classes {
					n.setClass(c, on)
				}
			}
		})
		return obj
	})
	set("text", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			if n := sel.first(); n != nil {
				return b.vm.ToValue(n.text)
			}
			return b.vm.ToValue("")
		}
		sel.each(func(n *node, i int) {
			v := b.eval(call.Argument(0), n, i)
			n.children = nil
			if present(v) {
				n.text = v.String()
			} else {
				n.text = ""
			}
		})
		return obj
	})

	set("data", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			var out []any
			sel.each(func(n *node, _ int) { out = append(out, b.datumOf(n)) })
			return b.vm.ToValue(out)
		}
		return b.wrap(b.join(sel, call.Argument(0)))
	})
	set("datum", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return b.datumOf(sel.first())
		}
		sel.each(func(n *node, i int) { n.datum = b.eval(call.Argument(0), n, i) })
		return obj
	})
	set("enter", func(goja.FunctionCall) goja.Value {
		if sel.enter == nil {
			return b.wrap(&selection{})
		}
		return b.wrap(sel.enter)
	})
	set("exit", func(goja.FunctionCall) goja.Value {
		if sel.exit == nil {
			return b.wrap(&selection{})
		}
		return b.wrap(sel.exit)
	})
	set("merge", func(call goja.FunctionCall) goja.Value {
		other, ok := b.unwrap(call.Argument(0))
		if !ok {
			return obj
		}
		return b.wrap(merge(sel, other))
	})
	set("join", func(call goja.FunctionCall) goja.Value {
		var entered *selection
		if sel.enter != nil {
			entered = b.appendTo(sel.enter, call.Argument(0))
		} else {
			entered = &selection{}
		}
		if sel.exit != nil {
			sel.exit.each(func(n *node, _ int) { b.remove(n) })
		}
		return b.wrap(merge(entered, sel))
	})
	set("remove", func(goja.FunctionCall) goja.Value {
		sel.each(func(n *node, _ int) { b.remove(n) })
		return obj
	})

	set("call", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return obj
		}
		args := append([]goja.Value{obj}, call.Arguments[1:]...)
		if _, err := fn(obj, args...); err != nil {
			b.throw(err)
		}
		return obj
	})
	set("each", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return obj
		}
		sel.each(func(n *node, i int) {
			if _, err := fn(goja.Undefined(), b.datumOf(n), b.vm.ToValue(i)); err != nil {
				b.throw(err)
			}
		})
		return obj
	})
	set("size", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(sel.size()) })
	set("empty", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(sel.size() == 0) })
	set("node", func(goja.FunctionCall) goja.Value {
		n := sel.first()
		if n == nil {
			return goja.Null()
		}
		return b.nodeHandle(n)
	})

	// Interaction and animation have no meaning on a static surface.
	for _, name := range []string{"on", "transition", "duration", "delay", "ease", "raise", "lower", "order", "interrupt", "attrTween", "styleTween"} {
		set(name, self)
	}
	return obj
}

func (b *binding) appendTo(sel *selection, tagArg goja.Value) *selection {
	tag := tagArg.String()
	if len(tag) > 4 && tag[:4] == "svg:" {
		tag = tag[4:]
	}
	out := &selection{}
	for _, g := range sel.groups {
		ng := group{parent: g.parent}
		for _, n := range g.nodes {
			child, err := b.surf.appendChild(n, tag)
			if err != nil {
				b.throw(err)
			}
			ng.nodes = append(ng.nodes, child)
		}
		for _, d := range g.pending {
			if g.parent == nil {
				continue
			}
			child, err := b.surf.appendChild(g.parent, tag)
			if err != nil {
				b.throw(err)
			}
			child.datum = d
			ng.nodes = append(ng.nodes, child)
		}
		out.groups = append(out.groups, ng)
	}
	return out
}

// join binds data by index, producing update, enter and exit selections.
func (b *binding) join(sel *selection, arg goja.Value) *selection {
	update := &selection{}
	enter := &selection{}
	exit := &selection{}
	for _, g := range sel.groups {
		values := arg
		if _, isFn := goja.AssertFunction(arg); isFn {
			values = b.eval(arg, g.parent, 0)
		}
		items := b.items(values)

		ug := group{parent: g.parent}
		eg := group{parent: g.parent}
		xg := group{parent: g.parent}
		for i, d := range items {
			if i < len(g.nodes) {
				g.nodes[i].datum = d
				ug.nodes = append(ug.nodes, g.nodes[i])
			} else {
				eg.pending = append(eg.pending, d)
			}
		}
		if len(g.nodes) > len(items) {
			xg.nodes = append(xg.nodes, g.nodes[len(items):]...)
		}
		update.groups = append(update.groups, ug)
		enter.groups = append(enter.groups, eg)
		exit.groups = append(exit.groups, xg)
	}
	update.enter = enter
	update.exit = exit
	return update
}

func (b *binding) items(v goja.Value) []goja.Value {
	if !present(v) {
		return nil
	}
	obj := v.ToObject(b.vm)
	length := obj.Get("length")
	if !present(length) {
		return nil
	}
	n := int(length.ToInteger())
	out := make([]goja.Value, n)
	for i := 0; i < n; i++ {
		out[i] = obj.Get(strconv.Itoa(i))
	}
	return out
}

func (b *binding) remove(n *node) {
	if n == b.surf.root {
		b.surf.reset()
		return
	}
	n.detach()
}

// nodeHandle is the stand-in returned by selection.node().
func (b *binding) nodeHandle(n *node) goja.Value {
	h := b.vm.NewObject()
	_ = h.Set("tagName", n.tag)
	_ = h.Set("getBBox", func(goja.FunctionCall) goja.Value {
		box := b.vm.NewObject()
		for _, k := range []string{"x", "y", "width", "height"} {
			_ = box.Set(k, 0)
		}
		return box
	})
	_ = h.Set("getComputedTextLength", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(len(n.text) * 7)
	})
	return h
}

func merge(a, other *selection) *selection {
	out := &selection{}
	out.groups = append(out.groups, a.groups...)
	out.groups = append(out.groups, other.groups...)
	return out
}
