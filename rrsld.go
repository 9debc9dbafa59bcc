package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"rrsld/pkg/linker"
	"rrsld/pkg/machine"
	"rrsld/pkg/rtld"
	"rrsld/pkg/shlib"
	"rrsld/pkg/utils"
)

var version = "0.3.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "run" {
		runProgram(os.Args[2:])
		return
	}

	ctx := linker.NewContext()
	remaining, verbose := parseArgs(ctx)
	ctx.Log = newLogger(verbose)

	if ctx.Args.Emulation != "" {
		be, ok := machine.Lookup(ctx.Args.Emulation)
		if !ok {
			utils.Fatal(fmt.Sprintf("unknown -m argument: %s (known: %s)",
				ctx.Args.Emulation, strings.Join(machine.Names(), ", ")))
		}
		ctx.Backend = be
	}

	err := linker.Run(ctx, remaining)
	if err == nil {
		return
	}
	// undefined and multiply defined symbols still leave a complete output
	if !errors.Is(err, linker.ErrUnresolved) && !errors.Is(err, linker.ErrMultiplyDefined) {
		linker.RemoveOutput(ctx)
	}
	if n := ctx.Diag.Errors + ctx.Diag.UndefinedCount(); n > 0 {
		fmt.Fprintf(os.Stderr, "rrsld: %d errors\n", n)
	}
	utils.Fatal(err)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// argReader consumes options of the forms "-o file", "-ofile", "--output
// file" and "--output=file".
type argReader struct {
	args []string
	arg  string
}

func dashes(name string) []string {
	if len(name) == 1 {
		return []string{"-" + name}
	}
	return []string{"-" + name, "--" + name}
}

func (r *argReader) readArg(name string) bool {
	for _, opt := range dashes(name) {
		if r.args[0] == opt {
			if len(r.args) == 1 {
				utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
			}
			r.arg = r.args[1]
			r.args = r.args[2:]
			return true
		}

		prefix := opt
		if len(name) > 1 {
			prefix += "="
		}
		if strings.HasPrefix(r.args[0], prefix) {
			r.arg = r.args[0][len(prefix):]
			r.args = r.args[1:]
			return true
		}
	}
	return false
}

func (r *argReader) readFlag(name string) bool {
	for _, opt := range dashes(name) {
		if r.args[0] == opt {
			r.args = r.args[1:]
			return true
		}
	}
	return false
}

func parseArgs(ctx *linker.Context) ([]string, bool) {
	r := &argReader{args: os.Args[1:]}
	verbose := false

	remaining := make([]string, 0)
	for len(r.args) > 0 {
		if r.readFlag("help") {
			fmt.Printf("usage: %s [options] file...\n       %s run [options] program\n", os.Args[0], os.Args[0])
			os.Exit(0)
		}

		if r.readArg("o") || r.readArg("output") {
			ctx.Args.Output = r.arg
		} else if r.readFlag("v") || r.readFlag("version") {
			fmt.Printf("rrsld %s\n", version)
			os.Exit(0)
		} else if r.readFlag("verbose") {
			verbose = true
		} else if r.readArg("m") {
			ctx.Args.Emulation = r.arg
		} else if r.readArg("L") {
			ctx.Args.LibraryPaths = append(ctx.Args.LibraryPaths, r.arg)
		} else if r.readArg("l") {
			remaining = append(remaining, "-l"+r.arg)
		} else if r.readArg("R") || r.readArg("rpath") {
			ctx.Args.RPaths = append(ctx.Args.RPaths, shlib.SplitPath(r.arg)...)
		} else if r.readArg("e") || r.readArg("entry") {
			ctx.Args.Entry = r.arg
		} else if r.readFlag("shared") || r.readFlag("Bshareable") {
			ctx.Args.Shared = true
		} else if r.readFlag("Bsymbolic") {
			ctx.Args.Symbolic = true
		} else if r.readFlag("static") || r.readFlag("Bstatic") {
			ctx.Args.Static = true
		} else if r.readFlag("Bdynamic") {
			ctx.Args.Static = false
		} else if r.readArg("z") {
			switch r.arg {
			case "defs":
				ctx.Args.NoUndefined = true
			case "nodefs":
				ctx.Args.NoUndefined = false
			default:
				utils.Fatal(fmt.Sprintf("unknown -z argument: %s", r.arg))
			}
		} else if r.readFlag("no-undefined") {
			ctx.Args.NoUndefined = true
		} else if r.readFlag("whole-archive") || r.readFlag("Bforcearchive") {
			remaining = append(remaining, "--whole-archive")
		} else if r.readFlag("no-whole-archive") {
			remaining = append(remaining, "--no-whole-archive")
		} else if r.readFlag("no-index") {
			ctx.Args.UseIndex = false
		} else if r.readFlag("r") || r.readFlag("relocatable") {
			utils.Fatal("relocatable output is not supported")
		} else if r.readFlag("s") ||
			r.readFlag("S") ||
			r.readFlag("x") ||
			r.readFlag("X") ||
			r.readFlag("t") ||
			r.readArg("sysroot") {
			// Ignored
		} else {
			if r.args[0][0] == '-' {
				utils.Fatal(fmt.Sprintf(
					"unknown command line option: %s", r.args[0]))
			}
			remaining = append(remaining, r.args[0])
			r.args = r.args[1:]
		}
	}

	for i, path := range ctx.Args.LibraryPaths {
		ctx.Args.LibraryPaths[i] = filepath.Clean(path)
	}
	return remaining, verbose
}

// runProgram loads a program with the run-time loader. Options add to
// what the LD_* environment variables ask for.
func runProgram(args []string) {
	opts := rtld.OptionsFromEnv()
	r := &argReader{args: args}
	var prog, self string
	for len(r.args) > 0 {
		if r.readArg("L") {
			opts.LibraryPath = append(opts.LibraryPath, filepath.Clean(r.arg))
		} else if r.readArg("preload") {
			opts.Preload = append(opts.Preload, r.arg)
		} else if r.readArg("loader") {
			self = r.arg
		} else if r.readFlag("bind-now") {
			opts.BindNow = true
		} else if r.readFlag("ignore-missing") {
			opts.IgnoreMissing = true
		} else if r.readFlag("trace") {
			opts.Trace = true
		} else if r.readFlag("verbose") {
			opts.Verbose = true
		} else {
			if r.args[0][0] == '-' || prog != "" {
				utils.Fatal(fmt.Sprintf("unexpected argument: %s", r.args[0]))
			}
			prog = r.args[0]
			r.args = r.args[1:]
		}
	}
	if prog == "" {
		utils.Fatal("run: no program")
	}

	l := rtld.New(opts)
	l.SelfPath = self
	l.Log = newLogger(opts.Verbose)
	l.Caller = func(o *rtld.Object, name string, addr uint64) error {
		l.Log.Info("call", "object", o.Name, "routine", name, "addr", fmt.Sprintf("%#x", addr))
		return nil
	}
	exe, err := l.Start(context.Background(), prog)
	utils.MustNo(err)
	if opts.Trace {
		return
	}
	for _, o := range l.Objects {
		fmt.Printf("%#010x %s\n", o.Base, o.Path)
	}
	fmt.Printf("entry %#x\n", exe.Entry)
}
