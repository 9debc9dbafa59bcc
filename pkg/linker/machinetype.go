package linker

import (
	"encoding/binary"
	"fmt"

	"rrsld/pkg/aout"
	"rrsld/pkg/machine"
)

// GetMachineFromContents returns the back end for an object or shared
// library, or nil when the contents carry no known machine id.
func GetMachineFromContents(contents []byte) machine.Backend {
	switch GetFileType(contents) {
	case FileTypeObject, FileTypeSharedLib:
		mid := aout.Exec{Midmag: binary.BigEndian.Uint32(contents)}.Mid()
		if b, ok := machine.ForMid(mid); ok {
			return b
		}
	}
	return nil
}

// checkMachine binds the context to the first back end seen and rejects
// inputs for any other.
func checkMachine(ctx *Context, file *File) error {
	b := GetMachineFromContents(file.Contents)
	if b == nil {
		return fmt.Errorf("%w: %s: unknown machine type", ErrMalformed, file.DisplayName())
	}
	if ctx.Backend == nil {
		ctx.Backend = b
		return nil
	}
	if b != ctx.Backend {
		return fmt.Errorf("%s: incompatible machine type %s (linking for %s)",
			file.DisplayName(), b.Name(), ctx.Backend.Name())
	}
	return nil
}
