package rtld

import (
	"strings"

	"github.com/xyproto/env/v2"

	"rrsld/pkg/shlib"
)

// Options are the loader's user controls.
type Options struct {
	LibraryPath []string
	Preload     []string
	// BindNow resolves every jump slot before the program starts.
	BindNow bool
	// IgnoreMissing skips dependencies that cannot be found.
	IgnoreMissing bool
	// Trace lists the objects that would be loaded and stops.
	Trace            bool
	SuppressWarnings bool
	Verbose          bool
}

func set(name string) bool { return env.Str(name) != "" }

// OptionsFromEnv reads the LD_* environment variables. The switches
// count as on when set to anything but the empty string.
func OptionsFromEnv() Options {
	return Options{
		LibraryPath:      shlib.SplitPath(env.Str("LD_LIBRARY_PATH")),
		Preload:          strings.Fields(strings.ReplaceAll(env.Str("LD_PRELOAD"), ":", " ")),
		BindNow:          set("LD_BIND_NOW"),
		IgnoreMissing:    set("LD_IGNORE_MISSING_OBJECTS"),
		Trace:            set("LD_TRACE_LOADED_OBJECTS"),
		SuppressWarnings: set("LD_SUPPRESS_WARNINGS"),
		Verbose:          env.Bool("LD_VERBOSE"),
	}
}
