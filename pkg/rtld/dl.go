package rtld

import (
	"context"
	"fmt"
	"strings"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/opentracing/opentracing-go"

	"rrsld/pkg/aout"
)

// initOrder lists the objects reachable from roots with every object after
// its dependencies. Siblings are visited last to first.
func (l *Loader) initOrder(roots []*Object) []*Object {
	index := make(map[*Object]int, len(l.Objects))
	for i, o := range l.Objects {
		index[o] = i
	}
	n := len(l.Objects)
	g := make(graph.IntGraph, n+1)
	edges := func(from int, to []*Object) {
		for i := len(to) - 1; i >= 0; i-- {
			if j, ok := index[to[i]]; ok {
				g[from] = append(g[from], j)
			}
		}
	}
	for i, o := range l.Objects {
		edges(i, o.Deps)
	}
	edges(n, roots)

	scc := graphalg.SCC(g, 0)
	for c := 0; c < scc.NumNodes(); c++ {
		nodes := scc.Subnodes(c)
		if len(nodes) < 2 {
			continue
		}
		var names []string
		for _, i := range nodes {
			names = append(names, l.Objects[i].Name)
		}
		l.warn("dependency cycle", "objects", strings.Join(names, " "))
	}

	var order []*Object
	for _, i := range graphalg.PostOrder(g, n) {
		if i != n {
			order = append(order, l.Objects[i])
		}
	}
	return order
}

func (l *Loader) call(o *Object, name string) error {
	if l.Caller == nil || o.Dynamic == nil {
		return nil
	}
	i, ok := o.Dynamic.Lookup(name)
	if !ok {
		return nil
	}
	s := &o.Dynamic.Symbols[i]
	if !s.IsDefined() || s.Kind() != aout.NText {
		return nil
	}
	return l.Caller(o, name, symAddr(o, s))
}

// initialize runs _init of every object reachable from roots that has not
// run it yet. The main program's own initialization is its startup
// code's business.
func (l *Loader) initialize(roots []*Object) error {
	for _, o := range l.initOrder(roots) {
		if o.initialized || o == l.Main {
			continue
		}
		o.initialized = true
		if err := l.call(o, "_init"); err != nil {
			return fmt.Errorf("%s: _init: %w", o.Name, err)
		}
	}
	return nil
}

// Open loads path and whatever it needs into the running program. Opening
// an object that is already loaded takes another reference to it.
func (l *Loader) Open(ctx context.Context, path string) (*Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State != StateRunning {
		return nil, fmt.Errorf("%w: open %s before the program is running", ErrInternal, path)
	}

	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, l.tracer(), "rtld.open")
	defer span.Finish()
	span.SetTag("object", path)

	before, commons := len(l.Objects), len(l.allocated)
	o, err := l.load(path, path)
	if err != nil {
		span.SetTag("error", true)
		return nil, err
	}
	if len(l.Objects) == before {
		return o, nil
	}
	o.Explicit = true

	err = l.openNew(ctx, o, before)
	if err != nil {
		span.SetTag("error", true)
		l.unwind(before, commons)
		return nil, err
	}
	return o, nil
}

func (l *Loader) openNew(ctx context.Context, o *Object, before int) error {
	defer l.enter(StateRunning)
	l.enter(StateMapDependencies)
	err := l.phase(ctx, "rtld.map", func(context.Context) error {
		return l.mapDependencies([]*Object{o})
	})
	if err != nil {
		return err
	}
	added := append([]*Object(nil), l.Objects[before:]...)
	if err := l.relocateAll(ctx, added); err != nil {
		return err
	}
	l.enter(StateInitialize)
	return l.phase(ctx, "rtld.init", func(context.Context) error {
		return l.initialize([]*Object{o})
	})
}

// unwind drops the objects mapped since the link map had n entries, the
// references they took on older objects and the commons allocated after
// the first c.
func (l *Loader) unwind(n, c int) {
	for _, name := range l.allocated[c:] {
		l.Space.Unmap(l.commons[name])
		delete(l.commons, name)
	}
	l.allocated = l.allocated[:c]

	added := append([]*Object(nil), l.Objects[n:]...)
	isNew := make(map[*Object]bool, len(added))
	for _, o := range added {
		isNew[o] = true
	}
	for _, o := range added {
		for _, d := range o.Deps {
			if !isNew[d] {
				d.Refs--
			}
		}
	}
	for i := len(added) - 1; i >= 0; i-- {
		l.unmap(added[i])
	}
}

// Sym returns the address of name. For an explicitly opened handle only
// that object is searched; otherwise every loaded object is, in load
// order.
func (l *Loader) Sym(h *Object, name string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	scope := l.Objects
	if h != nil && h.Explicit {
		if h.Refs == 0 {
			return 0, fmt.Errorf("%w: %s is closed", ErrNotFound, h.Name)
		}
		scope = []*Object{h}
	}
	def, err := l.lookup(name, scope, nil)
	if err != nil {
		return 0, err
	}
	if def == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnresolved, name)
	}
	return def.Addr, nil
}

// Close drops a reference to o. The last reference runs _fini and unmaps
// the object, then releases its dependencies the same way.
func (l *Loader) Close(ctx context.Context, o *Object) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	span, _ := opentracing.StartSpanFromContextWithTracer(ctx, l.tracer(), "rtld.close")
	defer span.Finish()
	span.SetTag("object", o.Name)

	if o == l.Main {
		return fmt.Errorf("%w: cannot close the main program", ErrInternal)
	}
	if o.Refs <= 0 {
		return fmt.Errorf("%w: %s is not open", ErrInternal, o.Name)
	}
	return l.release(o)
}

func (l *Loader) release(o *Object) error {
	o.Refs--
	if o.Refs > 0 || o == l.Main {
		return nil
	}
	var err error
	if o.initialized {
		err = l.call(o, "_fini")
	}
	l.unmap(o)
	l.Log.Debug("unmapped", "object", o.Name)
	for _, d := range o.Deps {
		if e := l.release(d); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (l *Loader) objectAt(addr uint64) (*Object, bool) {
	for _, o := range l.Objects {
		if o.Contains(addr) {
			return o, true
		}
	}
	return nil, false
}

// LookupAddr returns the object containing addr and the nearest exported
// symbol at or below it.
func (l *Loader) LookupAddr(addr uint64) (*Object, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.objectAt(addr)
	if !ok {
		return nil, "", false
	}
	var name string
	var best uint64
	if o.Dynamic != nil {
		for i := range o.Dynamic.Symbols {
			s := &o.Dynamic.Symbols[i]
			if !s.IsDefined() || s.Kind() == aout.NAbs {
				continue
			}
			if a := symAddr(o, s); a <= addr && (name == "" || a > best) {
				name, best = s.Name, a
			}
		}
	}
	return o, name, true
}
