package rtld

import (
	"errors"
	"fmt"
	"path/filepath"

	"rrsld/pkg/aout"
	"rrsld/pkg/machine"
	"rrsld/pkg/shlib"
)

// Object is one entry of the link map.
type Object struct {
	Name string
	Path string
	// Need is the dependency entry the object was first loaded for.
	Need aout.Needed
	File *aout.File
	Base uint64
	// Entry is the relocated entry point.
	Entry   uint64
	Dynamic *aout.Dynamic
	DynAddr uint64

	Refs     int
	Explicit bool
	// Parent is the object whose needed list first brought this one in.
	Parent *Object
	Deps   []*Object

	id          fileID
	region      *Region
	cache       []*Def
	copies      []int
	relocated   bool
	initialized bool
}

func (o *Object) String() string { return o.Name }

// Contains reports whether addr lies in the object's mapping.
func (o *Object) Contains(addr uint64) bool {
	return o.region != nil && addr >= o.region.Addr && addr < o.region.End()
}

func (l *Loader) find(id fileID) (*Object, bool) {
	for _, o := range l.Objects {
		if o.id == id {
			return o, true
		}
	}
	if l.Self != nil && l.Self.id == id {
		return l.Self, true
	}
	return nil, false
}

// mapObject reads the image at path and places it in the address space.
// Position independent images go at the next free address, the others at
// their link address.
func (l *Loader) mapObject(path, name string, id fileID) (*Object, error) {
	contents, err := readImage(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	f, err := aout.Parse(contents)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadImage, name, err)
	}
	hdr := &f.Header
	if hdr.Magic() == aout.OMAGIC {
		return nil, fmt.Errorf("%w: %s: relocatable object", ErrBadImage, name)
	}
	if l.Backend == nil {
		be, ok := machine.ForMid(hdr.Mid())
		if !ok {
			return nil, fmt.Errorf("%w: %s: unsupported machine id %d", ErrBadImage, name, hdr.Mid())
		}
		l.Backend = be
		l.Space = NewSpace(be.PageSize(), l.LibBase)
	} else if hdr.Mid() != l.Backend.Mid() {
		return nil, fmt.Errorf("%w: %s: machine id %d, want %d", ErrBadImage, name, hdr.Mid(), l.Backend.Mid())
	}

	page := l.Space.PageSize()
	textAddr := aout.TextAddr(hdr, page)
	dataAddr := aout.DataAddr(hdr, page)
	end := dataAddr + uint64(len(f.Data)) + uint64(hdr.Bss)

	o := &Object{Name: name, Path: path, File: f, id: id}
	if hdr.IsPIC() {
		o.region, err = l.Space.Map(0, end, name)
	} else {
		o.region, err = l.Space.Map(textAddr, end-textAddr, name)
	}
	if err != nil {
		return nil, err
	}
	if hdr.IsPIC() {
		o.Base = o.region.Addr
	}
	start := o.Base + textAddr - o.region.Addr
	copy(o.region.Data[start:], f.Text)
	copy(o.region.Data[start+dataAddr-textAddr:], f.Data)
	o.Entry = o.Base + uint64(hdr.Entry)

	if hdr.IsDynamic() {
		o.DynAddr = o.Base + dataAddr
		o.Dynamic, err = aout.ReadDynamic(l.Space, o.DynAddr, o.Base, f.Order, f.PtrSize)
		if err != nil {
			l.Space.Unmap(o.region)
			return nil, fmt.Errorf("%w: %s: %v", ErrBadImage, name, err)
		}
		o.cache = make([]*Def, len(o.Dynamic.Symbols))
	}
	l.Log.Debug("mapped", "object", name, "base", fmt.Sprintf("%#x", o.Base), "size", len(o.region.Data))
	return o, nil
}

// bootstrap relocates the loader's own image, if there is one, and maps
// the main program at its link address.
func (l *Loader) bootstrap(path string) error {
	if l.SelfPath != "" {
		id, err := identify(l.SelfPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		self, err := l.mapObject(l.SelfPath, filepath.Base(l.SelfPath), id)
		if err != nil {
			return err
		}
		l.Self = self
		if err := l.relocate(self, true); err != nil {
			return fmt.Errorf("%s: %w", self.Name, err)
		}
	}

	id, err := identify(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	prog, err := l.mapObject(path, path, id)
	if err != nil {
		return err
	}
	if prog.File.Header.IsPIC() {
		l.Space.Unmap(prog.region)
		return fmt.Errorf("%w: %s: shared object is not a program", ErrBadImage, path)
	}
	prog.Refs = 1
	l.Main = prog
	l.Objects = append(l.Objects, prog)

	binder, err := l.Space.Map(0, l.Space.PageSize(), "binder")
	if err != nil {
		return err
	}
	l.BinderAddr = binder.Addr
	return nil
}

// load returns the object at path, mapping it unless a file with the same
// identity is already loaded.
func (l *Loader) load(path, name string) (*Object, error) {
	id, err := identify(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	if o, ok := l.find(id); ok {
		o.Refs++
		return o, nil
	}
	o, err := l.mapObject(path, name, id)
	if err != nil {
		return nil, err
	}
	o.Refs = 1
	l.Objects = append(l.Objects, o)
	return o, nil
}

func (l *Loader) searchDirs(o *Object) []string {
	dirs := append([]string(nil), l.Opts.LibraryPath...)
	if o.Dynamic != nil {
		dirs = append(dirs, shlib.SplitPath(o.Dynamic.Paths)...)
	}
	return append(dirs, l.DefaultDirs...)
}

func (l *Loader) locate(o *Object, n aout.Needed) (string, error) {
	if !n.Library {
		return n.Name, nil
	}
	s := &shlib.Searcher{Dirs: l.searchDirs(o)}
	m, err := s.Find(n.Name, n.Major, n.Minor)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, o.Name, err)
	}
	if m.Older && !l.warned[m.Path] {
		l.warned[m.Path] = true
		l.warn("minor version too old", "object", o.Name, "want", fmt.Sprintf("lib%s.so.%d.%d", n.Name, n.Major, n.Minor), "using", m.Path)
	}
	return m.Path, nil
}

func needName(n aout.Needed) string {
	if n.Library {
		return fmt.Sprintf("-l%s.%d", n.Name, n.Major)
	}
	return n.Name
}

// mapDependencies walks the dependency lists of objs and of every object
// mapped on the way, breadth first. Each dependency edge holds a
// reference.
func (l *Loader) mapDependencies(objs []*Object) error {
	queue := append([]*Object(nil), objs...)
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		if o.Dynamic == nil {
			continue
		}
		for _, n := range o.Dynamic.Needed {
			path, err := l.locate(o, n)
			if err == nil {
				before := len(l.Objects)
				var dep *Object
				dep, err = l.load(path, needName(n))
				if err == nil {
					if len(l.Objects) > before {
						dep.Need = n
						dep.Parent = o
						queue = append(queue, dep)
					}
					o.Deps = append(o.Deps, dep)
					continue
				}
			}
			if l.Opts.IgnoreMissing && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadImage)) {
				l.warn("ignoring missing object", "object", o.Name, "need", needName(n), "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (l *Loader) unmap(o *Object) {
	if o.region != nil {
		l.Space.Unmap(o.region)
		o.region = nil
	}
	for i, x := range l.Objects {
		if x == o {
			l.Objects = append(l.Objects[:i], l.Objects[i+1:]...)
			break
		}
	}
}

func (l *Loader) unmapAll() {
	for _, o := range append([]*Object(nil), l.Objects...) {
		l.unmap(o)
	}
	if l.Self != nil {
		l.unmap(l.Self)
		l.Self = nil
	}
	l.Main = nil
}
