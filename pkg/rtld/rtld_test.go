package rtld

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opentracing/opentracing-go/mocktracer"

	"rrsld/pkg/aout"
	"rrsld/pkg/linker"
	"rrsld/pkg/linker/linktest"
	"rrsld/pkg/machine"
)

// codeObj defines _init, _fini and fn, which calls each of calls in turn.
func codeObj(fn string, withInit bool, calls ...string) *linktest.Object {
	o := linktest.NewObject(aout.MidI386)
	if withInit {
		o.Func("_init", o.Text(0xc3))
		o.Func("_fini", o.Text(0xc3))
	}
	o.Func(fn, o.Text())
	for _, callee := range calls {
		off := o.Text(0xe8, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(o.File.Text[off+1:], uint32(-int32(off+5)))
		sym := o.Undef(callee)
		o.TextReloc(aout.Reloc{Address: uint64(off) + 1, SymbolNum: uint32(sym), PCRel: true, Length: 2, Extern: true})
	}
	o.Text(0xc3)
	return o
}

func libObj(fn string, calls ...string) *linktest.Object { return codeObj(fn, true, calls...) }
func progObj(calls ...string) *linktest.Object       { return codeObj("_start", false, calls...) }

func link(t *testing.T, dir, out string, shared bool, o *linktest.Object, libs ...string) string {
	t.Helper()
	ctx := linker.NewContext()
	ctx.Args.Shared = shared
	ctx.Args.LibraryPaths = []string{dir}
	ctx.Args.Output = filepath.Join(dir, out)
	var diag bytes.Buffer
	ctx.Diag.Out = &diag
	in := []string{linktest.WriteFile(t, dir, out+".o", o.Bytes())}
	for _, lib := range libs {
		in = append(in, "-l"+lib)
	}
	if err := linker.Run(ctx, in); err != nil {
		t.Fatalf("link %s: %v\n%s", out, err, diag.String())
	}
	return ctx.Args.Output
}

func linkShared(t *testing.T, dir, name string, o *linktest.Object, libs ...string) string {
	t.Helper()
	return link(t, dir, "lib"+name+".so.1.0", true, o, libs...)
}

func linkProgram(t *testing.T, dir string, o *linktest.Object, libs ...string) string {
	t.Helper()
	return link(t, dir, "prog", false, o, libs...)
}

func newLoader(dir string) *Loader {
	l := New(Options{LibraryPath: []string{dir}})
	l.DefaultDirs = nil
	l.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return l
}

func start(t *testing.T, l *Loader, prog string) {
	t.Helper()
	if _, err := l.Start(context.Background(), prog); err != nil {
		t.Fatal(err)
	}
}

func objectNames(l *Loader) string {
	var names []string
	for _, o := range l.Objects {
		names = append(names, filepath.Base(o.Name))
	}
	return strings.Join(names, " ")
}

func recordCalls(l *Loader) *[]string {
	var calls []string
	l.Caller = func(o *Object, name string, addr uint64) error {
		calls = append(calls, filepath.Base(o.Name)+" "+name)
		return nil
	}
	return &calls
}

// pqr links prog -> libp -> libq -> libr.
func pqr(t *testing.T, dir string) string {
	t.Helper()
	linkShared(t, dir, "r", libObj("rfn"))
	linkShared(t, dir, "q", libObj("qfn", "rfn"), "r")
	linkShared(t, dir, "p", libObj("pfn", "qfn"), "q")
	return linkProgram(t, dir, progObj("pfn"), "p")
}

func jmpSlot(t *testing.T, o *Object) (uint64, aout.Reloc) {
	t.Helper()
	for _, r := range o.Dynamic.Relocs {
		if r.JmpTable {
			return o.Base + r.Address, r
		}
	}
	t.Fatalf("%s has no jump slot", o.Name)
	return 0, aout.Reloc{}
}

func TestInitOrder(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	l := newLoader(dir)
	calls := recordCalls(l)
	start(t, l, prog)

	if got, want := objectNames(l), "prog -lp.1 -lq.1 -lr.1"; got != want {
		t.Errorf("link map = %q, want %q", got, want)
	}
	want := []string{"-lr.1 _init", "-lq.1 _init", "-lp.1 _init"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
	if l.State != StateRunning {
		t.Errorf("state = %v", l.State)
	}
	p := l.Objects[1]
	if len(p.Deps) != 1 || p.Deps[0] != l.Objects[2] {
		t.Errorf("libp deps = %v", p.Deps)
	}
	for i, want := range []*Object{nil, l.Main, l.Objects[1], l.Objects[2]} {
		if got := l.Objects[i].Parent; got != want {
			t.Errorf("%s parent = %v, want %v", l.Objects[i].Name, got, want)
		}
	}
}

func TestPreload(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	libr := filepath.Join(dir, "libr.so.1.0")
	l := newLoader(dir)
	l.Opts.Preload = []string{libr}
	calls := recordCalls(l)
	start(t, l, prog)

	if got, want := objectNames(l), "prog libr.so.1.0 -lp.1 -lq.1"; got != want {
		t.Errorf("link map = %q, want %q", got, want)
	}
	if r := l.Objects[1]; r.Refs != 2 {
		t.Errorf("preloaded libr refs = %d, want 2", r.Refs)
	}
	want := []string{"libr.so.1.0 _init", "-lq.1 _init", "-lp.1 _init"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
}

func TestLazyBinding(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	l := newLoader(dir)
	start(t, l, prog)

	slotAddr, r := jmpSlot(t, l.Main)
	s, err := l.Slot(slotAddr)
	if err != nil {
		t.Fatal(err)
	}
	plt0 := uint64(l.Main.Dynamic.SDT.Plt)
	if s.Bound || s.Target != plt0 {
		t.Fatalf("slot before call = %+v, want lazy to %#x", s, plt0)
	}
	if p, err := l.Slot(plt0); err != nil || !p.Bound || p.Target != l.BinderAddr {
		t.Errorf("PLT0 = %+v, %v; want a jump to the binder at %#x", p, err, l.BinderAddr)
	}
	if name := l.Main.Dynamic.Symbols[r.SymbolNum].Name; name != "pfn" {
		t.Errorf("slot names %s", name)
	}

	want, err := l.Sym(nil, "pfn")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := l.Call(slotAddr)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("call %d went to %#x, want %#x", i, got, want)
		}
	}
	if got, err := l.Bind(l.Main, s.RelIndex); err != nil || got != want {
		t.Errorf("rebind = %#x, %v", got, err)
	}
	if l.Stats.Binds != 1 {
		t.Errorf("binds = %d, want 1", l.Stats.Binds)
	}
	if s, _ := l.Slot(slotAddr); !s.Bound || s.Target != want {
		t.Errorf("slot after call = %+v", s)
	}
}

func TestBindNow(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	l := newLoader(dir)
	l.Opts.BindNow = true
	start(t, l, prog)

	for _, o := range l.Objects[:3] {
		addr, r := jmpSlot(t, o)
		s, err := l.Slot(addr)
		if err != nil {
			t.Fatal(err)
		}
		want, err := l.Sym(nil, o.Dynamic.Symbols[r.SymbolNum].Name)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Bound || s.Target != want {
			t.Errorf("%s: slot = %+v, want bound to %#x", o.Name, s, want)
		}
	}
	if l.Stats.Binds != 3 {
		t.Errorf("binds = %d, want 3", l.Stats.Binds)
	}
}

func TestCopyAndSymbolRecords(t *testing.T) {
	dir := t.TempDir()
	lib := libObj("vfn")
	lib.Data(1, 2, 3, 4, 0, 0, 0, 0)
	lib.Def("libvar", aout.NData, 0)
	lib.Size("libvar", 4)
	ext := lib.Undef("ext")
	lib.DataReloc(aout.Reloc{Address: 4, SymbolNum: uint32(ext), Length: 2, Extern: true})
	linkShared(t, dir, "v", lib)

	m := progObj("vfn")
	m.Data(0, 0, 0, 0, 9, 0, 0, 0)
	v := m.Undef("libvar")
	m.DataReloc(aout.Reloc{Address: 0, SymbolNum: uint32(v), Length: 2, Extern: true})
	m.Def("ext", aout.NData, 4)
	prog := linkProgram(t, dir, m, "v")

	l := newLoader(dir)
	start(t, l, prog)

	copyAddr, err := l.Sym(nil, "libvar")
	if err != nil {
		t.Fatal(err)
	}
	if !l.Main.Contains(copyAddr) {
		t.Fatalf("libvar at %#x resolves outside the program", copyAddr)
	}
	if got, _ := l.Word(copyAddr); got != 0x04030201 {
		t.Errorf("copied libvar = %#x", got)
	}
	extAddr, err := l.Sym(nil, "ext")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := l.Word(extAddr - 4); got != copyAddr {
		t.Errorf("program pointer to libvar = %#x, want %#x", got, copyAddr)
	}

	so := l.Objects[1]
	i, ok := so.Dynamic.Lookup("libvar")
	if !ok {
		t.Fatal("libvar missing from libv")
	}
	own := symAddr(so, &so.Dynamic.Symbols[i])
	if got, _ := l.Word(own + 4); got != extAddr {
		t.Errorf("libv pointer to ext = %#x, want %#x", got, extAddr)
	}
	if got, _ := l.Word(so.Base + uint64(so.Dynamic.SDT.Got)); got != so.DynAddr {
		t.Errorf("GOT[0] = %#x, want %#x", got, so.DynAddr)
	}
}

func TestTraceLoadedObjects(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	l := newLoader(dir)
	l.Opts.Trace = true
	var out bytes.Buffer
	l.Out = &out
	start(t, l, prog)

	var want strings.Builder
	for i, name := range []string{"p", "q", "r"} {
		o := l.Objects[i+1]
		fmt.Fprintf(&want, "\t-l%s.1 => %s (%#x)\n", name, filepath.Join(dir, "lib"+name+".so.1.0"), o.Base)
	}
	if out.String() != want.String() {
		t.Errorf("trace:\n%s\nwant:\n%s", out.String(), want.String())
	}
	if l.Stats.Relocs != 0 || l.State != StateMapDependencies {
		t.Errorf("relocated %d records in state %v", l.Stats.Relocs, l.State)
	}
}

func TestMissingDependency(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	if err := os.Remove(filepath.Join(dir, "libr.so.1.0")); err != nil {
		t.Fatal(err)
	}

	l := newLoader(dir)
	if _, err := l.Start(context.Background(), prog); !errors.Is(err, ErrNotFound) {
		t.Fatalf("start = %v, want not found", err)
	}
	if len(l.Objects) != 0 || l.Main != nil {
		t.Errorf("objects left after failure: %s", objectNames(l))
	}

	l = newLoader(dir)
	l.Opts.IgnoreMissing = true
	start(t, l, prog)
	if got, want := objectNames(l), "prog -lp.1 -lq.1"; got != want {
		t.Errorf("link map = %q, want %q", got, want)
	}
}

func TestCorruptDependency(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "libr.so.1.0"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newLoader(dir)
	if _, err := l.Start(context.Background(), prog); !errors.Is(err, ErrBadImage) {
		t.Fatalf("start = %v, want bad image", err)
	}
	if len(l.Objects) != 0 {
		t.Errorf("objects left after failure: %s", objectNames(l))
	}

	l = newLoader(dir)
	l.Opts.IgnoreMissing = true
	start(t, l, prog)
	if got, want := objectNames(l), "prog -lp.1 -lq.1"; got != want {
		t.Errorf("link map = %q, want %q", got, want)
	}
}

func TestOpenClose(t *testing.T) {
	dir := t.TempDir()
	linkShared(t, dir, "r", libObj("rfn"))
	x := linkShared(t, dir, "x", libObj("xfn", "rfn"), "r")
	prog := linkProgram(t, dir, progObj("rfn"), "r")

	l := newLoader(dir)
	calls := recordCalls(l)
	start(t, l, prog)
	r := l.Objects[1]
	if r.Refs != 1 {
		t.Fatalf("libr refs = %d", r.Refs)
	}

	ctx := context.Background()
	h, err := l.Open(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Explicit || r.Refs != 2 || len(h.Deps) != 1 || h.Deps[0] != r {
		t.Fatalf("handle %+v, libr refs %d", h, r.Refs)
	}
	if _, err := l.Sym(h, "xfn"); err != nil {
		t.Error(err)
	}
	if _, err := l.Sym(h, "rfn"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("rfn through libx handle: %v", err)
	}
	rfn, _ := l.Sym(nil, "rfn")
	slotAddr, _ := jmpSlot(t, h)
	if got, err := l.Call(slotAddr); err != nil || got != rfn {
		t.Errorf("libx call to rfn = %#x, %v; want %#x", got, err, rfn)
	}

	h2, err := l.Open(ctx, x)
	if err != nil || h2 != h || h.Refs != 2 {
		t.Fatalf("reopen = %p %v, refs %d", h2, err, h.Refs)
	}
	if err := l.Close(ctx, h); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(objectNames(l), "libx.so.1.0") {
		t.Fatal("libx unmapped while still open")
	}
	if err := l.Close(ctx, h); err != nil {
		t.Fatal(err)
	}
	if got, want := objectNames(l), "prog -lr.1"; got != want {
		t.Errorf("link map after close = %q, want %q", got, want)
	}
	if r.Refs != 1 {
		t.Errorf("libr refs after close = %d", r.Refs)
	}
	if _, ok := l.objectAt(slotAddr); ok {
		t.Error("libx still mapped")
	}
	want := []string{"-lr.1 _init", "libx.so.1.0 _init", "libx.so.1.0 _fini"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
	if err := l.Close(ctx, h); !errors.Is(err, ErrInternal) {
		t.Errorf("close of closed handle: %v", err)
	}
}

func dataLib(fn string, common uint32) *linktest.Object {
	o := libObj(fn)
	o.Data(0, 0, 0, 0)
	o.Def(fn+"data", aout.NData, 0)
	c := o.Common("cbuf", common)
	o.DataReloc(aout.Reloc{Address: 0, SymbolNum: uint32(c), Length: 2, Extern: true})
	return o
}

func TestCommonsAllocatedOnce(t *testing.T) {
	dir := t.TempDir()
	linkShared(t, dir, "p", dataLib("pfn", 32))
	linkShared(t, dir, "q", dataLib("qfn", 16))
	prog := linkProgram(t, dir, progObj("pfn", "qfn"), "p", "q")

	l := newLoader(dir)
	start(t, l, prog)

	buf, ok := l.commons["cbuf"]
	if !ok {
		t.Fatal("cbuf not allocated")
	}
	if len(buf.Data) < 32 {
		t.Errorf("cbuf is %d bytes", len(buf.Data))
	}
	for _, sym := range []string{"pfndata", "qfndata"} {
		addr, err := l.Sym(nil, sym)
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := l.Word(addr); got != buf.Addr {
			t.Errorf("%s points at %#x, want cbuf %#x", sym, got, buf.Addr)
		}
	}
	if addr, _ := l.Sym(nil, "cbuf"); addr != buf.Addr {
		t.Errorf("cbuf = %#x, want %#x", addr, buf.Addr)
	}
}

func TestFailedOpenReleasesCommons(t *testing.T) {
	dir := t.TempDir()
	x := linkShared(t, dir, "x", dataLib("xfn", 24))
	prog := linkProgram(t, dir, progObj())

	l := newLoader(dir)
	failInit := true
	l.Caller = func(o *Object, name string, addr uint64) error {
		if failInit && name == "_init" {
			return errors.New("init failed")
		}
		return nil
	}
	start(t, l, prog)
	regions := len(l.Space.Regions())

	ctx := context.Background()
	if _, err := l.Open(ctx, x); err == nil {
		t.Fatal("open succeeded with a failing _init")
	}
	if _, ok := l.commons["cbuf"]; ok || len(l.allocated) != 0 {
		t.Errorf("cbuf survived the failed open")
	}
	if got := len(l.Space.Regions()); got != regions {
		t.Errorf("%d regions after failed open, want %d", got, regions)
	}

	failInit = false
	h, err := l.Open(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	buf, ok := l.commons["cbuf"]
	if !ok {
		t.Fatal("cbuf not allocated")
	}
	if addr, err := l.Sym(h, "xfndata"); err != nil {
		t.Fatal(err)
	} else if got, _ := l.Word(addr); got != buf.Addr {
		t.Errorf("xfndata points at %#x, want cbuf %#x", got, buf.Addr)
	}
}

func TestAliasLookup(t *testing.T) {
	dir := t.TempDir()
	o := libObj("new_name")
	o.Alias("old_name", "new_name")
	linkShared(t, dir, "a", o)
	prog := linkProgram(t, dir, progObj("new_name"), "a")

	l := newLoader(dir)
	start(t, l, prog)
	real, err := l.Sym(nil, "new_name")
	if err != nil {
		t.Fatal(err)
	}
	if alias, err := l.Sym(nil, "old_name"); err != nil || alias != real {
		t.Errorf("old_name = %#x, %v; want %#x", alias, err, real)
	}
	if obj, name, ok := l.LookupAddr(real); !ok || obj != l.Objects[1] || name != "new_name" {
		t.Errorf("LookupAddr(%#x) = %v %q %v", real, obj, name, ok)
	}
}

func TestAliasConfinedToItsObject(t *testing.T) {
	dir := t.TempDir()
	linkShared(t, dir, "b", libObj("ext_name"))
	o := libObj("afn")
	o.Alias("old_name", "ext_name")
	linkShared(t, dir, "a", o, "b")
	prog := linkProgram(t, dir, progObj("afn"), "a")

	l := newLoader(dir)
	start(t, l, prog)
	if got, want := objectNames(l), "prog -la.1 -lb.1"; got != want {
		t.Fatalf("link map = %q, want %q", got, want)
	}
	if _, err := l.Sym(nil, "ext_name"); err != nil {
		t.Fatal(err)
	}
	if addr, err := l.Sym(nil, "old_name"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("old_name = %#x, %v; want unresolved", addr, err)
	}
}

func TestSelfRelocation(t *testing.T) {
	dir := t.TempDir()
	self := libObj("rtld_start")
	self.Data(0, 0, 0, 0, 7, 0, 0, 0)
	v := self.Def("selfvar", aout.NData, 4)
	self.DataReloc(aout.Reloc{Address: 0, SymbolNum: uint32(v), Length: 2, Extern: true})
	selfPath := linkShared(t, dir, "self", self)
	prog := linkProgram(t, dir, progObj())

	l := newLoader(dir)
	l.SelfPath = selfPath
	start(t, l, prog)
	s := l.Self
	i, _ := s.Dynamic.Lookup("selfvar")
	addr := symAddr(s, &s.Dynamic.Symbols[i])
	if got, _ := l.Word(addr - 4); got != addr {
		t.Errorf("loader pointer to selfvar = %#x, want %#x", got, addr)
	}

	bad := libObj("rtld_start")
	bad.Data(0, 0, 0, 0)
	ext := bad.Undef("ext")
	bad.DataReloc(aout.Reloc{Address: 0, SymbolNum: uint32(ext), Length: 2, Extern: true})
	l = newLoader(dir)
	l.SelfPath = linkShared(t, dir, "bad", bad)
	if _, err := l.Start(context.Background(), prog); !errors.Is(err, ErrBadImage) {
		t.Errorf("symbolic record in loader image: %v", err)
	}
}

func TestLoaderSpans(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	tracer := mocktracer.New()
	l := newLoader(dir)
	l.Tracer = tracer
	start(t, l, prog)

	spans := tracer.FinishedSpans()
	var names []string
	for _, s := range spans {
		names = append(names, s.OperationName)
	}
	want := []string{"rtld.bootstrap", "rtld.map", "rtld.relocate", "rtld.copy", "rtld.init", "rtld.start"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("spans = %v, want %v", names, want)
	}
	root := spans[len(spans)-1]
	for _, s := range spans[:len(spans)-1] {
		if s.ParentID != root.SpanContext.SpanID {
			t.Errorf("%s is not a child of rtld.start", s.OperationName)
		}
	}
}

func TestSpace(t *testing.T) {
	s := NewSpace(0x1000, 0x10000)
	a, err := s.Map(0, 0x1800, "a")
	if err != nil || a.Addr != 0x10000 || len(a.Data) != 0x2000 {
		t.Fatalf("a = %+v, %v", a, err)
	}
	if _, err := s.Map(0x11000, 0x1000, "overlap"); !errors.Is(err, ErrBadImage) {
		t.Errorf("overlapping map: %v", err)
	}
	b, _ := s.Map(0, 0x1000, "b")
	if b.Addr != 0x12000 {
		t.Errorf("b at %#x", b.Addr)
	}
	if _, err := s.Bytes(0x11ffe, 4); !errors.Is(err, ErrBadImage) {
		t.Errorf("read across regions: %v", err)
	}
	s.Unmap(a)
	c, _ := s.Map(0, 0x1000, "c")
	if c.Addr != 0x10000 {
		t.Errorf("c at %#x, want the hole a left", c.Addr)
	}
	if r, ok := s.Region(0x12010); !ok || r != b {
		t.Errorf("Region = %v, %v", r, ok)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "/a::/b")
	t.Setenv("LD_PRELOAD", "x.so y.so")
	t.Setenv("LD_BIND_NOW", "1")
	t.Setenv("LD_IGNORE_MISSING_OBJECTS", "")
	t.Setenv("LD_TRACE_LOADED_OBJECTS", "yes")
	t.Setenv("LD_VERBOSE", "1")
	o := OptionsFromEnv()
	if strings.Join(o.LibraryPath, ",") != "/a,/b" || strings.Join(o.Preload, ",") != "x.so,y.so" {
		t.Errorf("paths = %v preload = %v", o.LibraryPath, o.Preload)
	}
	if !o.BindNow || o.IgnoreMissing || !o.Trace || !o.Verbose {
		t.Errorf("options = %+v", o)
	}
}

func TestBindRejectsOtherRecords(t *testing.T) {
	dir := t.TempDir()
	prog := pqr(t, dir)
	l := newLoader(dir)
	start(t, l, prog)
	for i, r := range l.Main.Dynamic.Relocs {
		if machine.KindOf(&r) == machine.KindJmpSlot {
			continue
		}
		if _, err := l.Bind(l.Main, uint32(i)); !errors.Is(err, ErrBadImage) {
			t.Errorf("bind of record %d: %v", i, err)
		}
	}
	if _, err := l.Bind(l.Main, uint32(len(l.Main.Dynamic.Relocs))); !errors.Is(err, ErrBadImage) {
		t.Errorf("bind past the end: %v", err)
	}
}
