// Package rtld is the run-time loader for images produced by the link
// editor. It maps a dynamically linked program and the shared objects it
// needs into a simulated address space, resolves their run-time
// relocations and binds procedure linkage table slots on first call.
package rtld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/opentracing/opentracing-go"

	"rrsld/pkg/machine"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrBadImage   = errors.New("bad image")
	ErrUnresolved = errors.New("unresolved symbol")
	ErrInternal   = errors.New("internal loader error")
)

type State int

const (
	StateBootstrap State = iota
	StateMapDependencies
	StateRelocate
	StateCopyRelocate
	StateInitialize
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateBootstrap:
		return "BOOTSTRAP"
	case StateMapDependencies:
		return "MAP-DEPENDENCIES"
	case StateRelocate:
		return "RELOCATE"
	case StateCopyRelocate:
		return "COPY-RELOCATE"
	case StateInitialize:
		return "INITIALIZE"
	case StateRunning:
		return "RUNNING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Stats struct {
	Relocs    int
	Lookups   int
	CacheHits int
	Binds     int
}

// Caller runs the code at addr, the address of name in o. It is used for
// the _init and _fini routines of shared objects.
type Caller func(o *Object, name string, addr uint64) error

// DefaultLibraryBase is where the first position independent object is
// placed.
const DefaultLibraryBase = 0x40000000

type Loader struct {
	Opts Options
	// DefaultDirs are searched after LD_LIBRARY_PATH and an object's own
	// run paths.
	DefaultDirs []string
	// SelfPath is the loader's own image, relocated first when set.
	SelfPath string
	LibBase  uint64

	Log    *slog.Logger
	Tracer opentracing.Tracer
	Out    io.Writer
	Caller Caller

	State      State
	Stats      Stats
	Backend    machine.Backend
	Space      *Space
	Main       *Object
	Self       *Object
	Objects    []*Object
	BinderAddr uint64

	mu      sync.Mutex
	commons map[string]*Region
	// allocated lists commons in allocation order.
	allocated []string
	warned  map[string]bool
}

func New(opts Options) *Loader {
	return &Loader{
		Opts:        opts,
		DefaultDirs: []string{"/usr/lib"},
		LibBase:     DefaultLibraryBase,
		Log:         slog.Default(),
		Out:         os.Stdout,
		commons:     map[string]*Region{},
		warned:      map[string]bool{},
	}
}

func (l *Loader) tracer() opentracing.Tracer {
	if l.Tracer != nil {
		return l.Tracer
	}
	return opentracing.GlobalTracer()
}

func (l *Loader) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, l.tracer(), name)
	defer span.Finish()
	if err := fn(ctx); err != nil {
		span.SetTag("error", true)
		return err
	}
	return nil
}

func (l *Loader) warn(msg string, args ...any) {
	if l.Opts.SuppressWarnings {
		return
	}
	l.Log.Warn(msg, args...)
}

func (l *Loader) enter(s State) {
	if l.Opts.Verbose {
		l.Log.Info("rtld", "state", s)
	}
	l.State = s
}

// Start loads the program at path with everything it needs, relocates it
// and runs the initializers. In trace mode it lists the objects and stops
// after mapping them.
func (l *Loader) Start(ctx context.Context, path string) (*Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, l.tracer(), "rtld.start")
	defer span.Finish()
	span.SetTag("program", path)

	err := l.start(ctx, path)
	if err != nil {
		span.SetTag("error", true)
		l.unmapAll()
		return nil, err
	}
	return l.Main, nil
}

func (l *Loader) start(ctx context.Context, path string) error {
	l.enter(StateBootstrap)
	err := l.phase(ctx, "rtld.bootstrap", func(context.Context) error {
		return l.bootstrap(path)
	})
	if err != nil {
		return err
	}

	l.enter(StateMapDependencies)
	roots := []*Object{l.Main}
	err = l.phase(ctx, "rtld.map", func(context.Context) error {
		for _, p := range l.Opts.Preload {
			o, err := l.load(p, p)
			if err != nil {
				return err
			}
			roots = append(roots, o)
		}
		return l.mapDependencies(l.Objects)
	})
	if err != nil {
		return err
	}
	if l.Opts.Trace {
		l.trace()
		return nil
	}

	if err := l.relocateAll(ctx, l.Objects); err != nil {
		return err
	}

	l.enter(StateInitialize)
	err = l.phase(ctx, "rtld.init", func(context.Context) error {
		return l.initialize(roots)
	})
	if err != nil {
		return err
	}
	l.enter(StateRunning)
	return nil
}

func (l *Loader) relocateAll(ctx context.Context, objs []*Object) error {
	l.enter(StateRelocate)
	err := l.phase(ctx, "rtld.relocate", func(context.Context) error {
		for _, o := range objs {
			if err := l.relocate(o, false); err != nil {
				return fmt.Errorf("%s: %w", o.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.enter(StateCopyRelocate)
	return l.phase(ctx, "rtld.copy", func(context.Context) error {
		for _, o := range objs {
			if err := l.copyRelocate(o); err != nil {
				return fmt.Errorf("%s: %w", o.Name, err)
			}
		}
		return nil
	})
}

// trace prints one line per loaded object the way ldd does.
func (l *Loader) trace() {
	for _, o := range l.Objects {
		if o == l.Main {
			continue
		}
		if o.Need.Library {
			fmt.Fprintf(l.Out, "\t-l%s.%d => %s (%#x)\n", o.Need.Name, o.Need.Major, o.Path, o.Base)
		} else {
			fmt.Fprintf(l.Out, "\t%s => %s (%#x)\n", o.Name, o.Path, o.Base)
		}
	}
}
