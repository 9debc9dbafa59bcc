package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
)

func Fatal(v any) {
	fmt.Printf("rrsld:\n\t\033[0;1;31mfatal\033[0m: %v\n", v)
	debug.PrintStack()
	os.Exit(1)
}

func MustNo(err error) {
	if err != nil {
		Fatal(err.Error())
		os.Exit(1)
	}
}

// Read decodes a fixed-size value from data in the given byte order.
// Every multi-byte field crossing the host/target boundary goes through
// Read and Write.
func Read[T any](data []byte, order binary.ByteOrder) (val T, err error) {
	size := binary.Size(val)
	if size < 0 || len(data) < size {
		return val, fmt.Errorf("short read: need %d bytes, have %d", size, len(data))
	}
	err = binary.Read(bytes.NewReader(data[:size]), order, &val)
	return val, err
}

// Write encodes val into data in the given byte order.
func Write[T any](data []byte, order binary.ByteOrder, val T) error {
	size := binary.Size(val)
	if size < 0 || len(data) < size {
		return fmt.Errorf("short write: need %d bytes, have %d", size, len(data))
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, order, val); err != nil {
		return err
	}
	copy(data, buf.Bytes())
	return nil
}

// Sizeof returns the encoded size of T.
func Sizeof[T any]() int {
	var val T
	return binary.Size(val)
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) / align * align
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimPrefix(s, prefix), true
	}
	return s, false
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0
	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

// CString returns the NUL-terminated string starting at offset.
func CString(table []byte, offset uint32) (string, bool) {
	if int(offset) >= len(table) {
		return "", false
	}
	length := bytes.IndexByte(table[offset:], 0)
	if length < 0 {
		return "", false
	}
	return string(table[offset : int(offset)+length]), true
}
