package linker

import (
	"errors"
	"fmt"
	"os"
)

var ErrMultiplyDefined = errors.New("multiply defined symbols")

// Run reads the inputs and links them.
func Run(ctx *Context, inputs []string) error {
	span := ctx.tracer().StartSpan("ld")
	ctx.span = span
	defer func() {
		span.Finish()
		ctx.span = nil
	}()

	if err := ReadInputFiles(ctx, inputs); err != nil {
		return err
	}
	if len(ctx.Objs) == 0 {
		return errors.New("no input files")
	}
	return Link(ctx)
}

func (ctx *Context) phase(name string, fn func() error) error {
	span := ctx.startSpan(name)
	defer span.Finish()
	if err := fn(); err != nil {
		span.SetTag("error", true)
		return err
	}
	return nil
}

// Link resolves, lays out, relocates and writes the output of the
// objects already read into ctx. Undefined symbols in an executable are
// reported and the output is still written, but Link returns
// ErrUnresolved. Under -Bsymbolic, -z defs or a partial RRS they stop the
// link before anything is written.
func Link(ctx *Context) error {
	if err := ResolveSymbols(ctx); err != nil {
		return err
	}
	ctx.Diag.MultiplyDefined()

	rrs := ctx.RRS
	rrs.DecideType()
	DefineSyntheticSymbols(ctx)
	ctx.Log.Debug("link", "objects", len(ctx.Objs), "shlibs", len(ctx.Shlibs),
		"symbols", len(ctx.Symbols), "rrs", rrs.Type)

	if err := ctx.phase("ld.reserve", rrs.Reserve); err != nil {
		return err
	}
	err := ctx.phase("ld.allocate", func() error {
		if err := rrs.Allocate(); err != nil {
			return err
		}
		CreateChunks(ctx)
		SetOutputSectionOffsets(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	if err := ctx.phase("ld.emit", ctx.emit); err != nil {
		return err
	}

	undef := ctx.Diag.UndefinedCount()
	if undef > 0 && rrs.strict() {
		return fmt.Errorf("%w: %d undefined symbols", ErrUnresolved, undef)
	}
	err = ctx.phase("ld.write", func() error {
		if ctx.Args.Output == "" {
			b, err := NewOutputEhdr(ctx).Encode()
			ctx.Buf = b
			return err
		}
		return WriteOutput(ctx, ctx.Args.Output)
	})
	if err != nil {
		return err
	}

	switch {
	case undef > 0:
		return fmt.Errorf("%w: %d undefined symbols", ErrUnresolved, undef)
	case ctx.Diag.Errors > 0:
		return fmt.Errorf("%w: %d errors", ErrMultiplyDefined, ctx.Diag.Errors)
	}
	return nil
}

// emit copies the input segments, applies relocations and then encodes
// the GOT, the PLT and the dynamic section. The dispatch table is
// written last since it points into everything else.
func (ctx *Context) emit() error {
	for _, c := range ctx.Chunks {
		if o, ok := c.(*ObjectSection); ok {
			if err := o.CopyBuf(ctx); err != nil {
				return err
			}
		}
	}
	if err := ctx.RRS.Emit(); err != nil {
		return err
	}

	var header Chunker
	for _, c := range ctx.Chunks {
		switch c.(type) {
		case *ObjectSection:
			continue
		case *DynamicHeader:
			header = c
			continue
		}
		if err := c.CopyBuf(ctx); err != nil {
			return err
		}
	}
	if header != nil {
		if err := header.CopyBuf(ctx); err != nil {
			return err
		}
	}
	return ctx.RRS.transition(StateEmit, StateDone)
}

// RemoveOutput deletes a partly written output after a fatal error.
func RemoveOutput(ctx *Context) {
	if ctx.Args.Output != "" {
		os.Remove(ctx.Args.Output)
	}
}
