package linker

import (
	"io"
	"log/slog"

	"github.com/opentracing/opentracing-go"

	"rrsld/pkg/aout"
	"rrsld/pkg/machine"
)

type ContextArgs struct {
	Output       string
	Emulation    string
	LibraryPaths []string
	RPaths       []string
	Entry        string

	Shared       bool
	Symbolic     bool
	Static       bool
	NoUndefined  bool
	WholeArchive bool
	// UseIndex selects the archive symbol index over a member scan.
	UseIndex bool
}

type Context struct {
	Args    ContextArgs
	Backend machine.Backend

	Objs      []*ObjectFile
	Archives  []*Archive
	Shlibs    []*SharedLib
	SymbolMap map[string]*Symbol
	Symbols   []*Symbol
	// SymbolCount counts symbols ever created.
	SymbolCount int
	SharedSyms  map[string]*SharedDef

	RRS    *RRSBuilder
	Diag   *Diagnostics
	Lines  LineTable
	Layout *Layout
	Chunks []Chunker
	Buf    []byte
	Header aout.Exec

	Log    *slog.Logger
	Tracer opentracing.Tracer
	span   opentracing.Span
}

func NewContext() *Context {
	ctx := &Context{
		Args: ContextArgs{
			Output:   "a.out",
			Entry:    "_start",
			UseIndex: true,
		},
		SymbolMap:  make(map[string]*Symbol),
		SharedSyms: make(map[string]*SharedDef),
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx.RRS = NewRRSBuilder(ctx)
	ctx.Diag = NewDiagnostics(ctx)
	ctx.Lines = NewStabsLines()
	return ctx
}

func (ctx *Context) tracer() opentracing.Tracer {
	if ctx.Tracer != nil {
		return ctx.Tracer
	}
	return opentracing.GlobalTracer()
}

// startSpan starts a phase span, child of the link span when one is open.
func (ctx *Context) startSpan(name string) opentracing.Span {
	var opts []opentracing.StartSpanOption
	if ctx.span != nil {
		opts = append(opts, opentracing.ChildOf(ctx.span.Context()))
	}
	return ctx.tracer().StartSpan(name, opts...)
}

func (ctx *Context) ptrSize() uint64 { return uint64(ctx.Backend.PtrSize()) }
