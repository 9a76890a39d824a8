package sdk

import (
	"errors"
	"unsafe"
)

// Buffer carries bytes across the gomobile boundary.
//
// Exported methods never return string or []byte: gomobile packs such
// results into argument structs the Go runtime may write without alignment
// guarantees. Callers read a Buffer with Len and CopyTo.
type Buffer struct {
	b []byte
}

func newBuffer(b []byte) *Buffer {
	return &Buffer{b: append([]byte(nil), b...)}
}

func newBufferFromString(s string) *Buffer {
	return &Buffer{b: []byte(s)}
}

// Len returns the number of bytes held.
func (buf *Buffer) Len() int {
	if buf == nil {
		return 0
	}
	return len(buf.b)
}

// CopyTo copies up to dstLen bytes to dstPtr and returns how many were
// written. dstPtr must address at least dstLen writable bytes.
func (buf *Buffer) CopyTo(dstPtr int64, dstLen int) (int, error) {
	switch {
	case buf == nil:
		return 0, errors.New("buffer is nil")
	case dstLen < 0:
		return 0, errors.New("dstLen must be >= 0")
	case dstLen == 0 || len(buf.b) == 0:
		return 0, nil
	case dstPtr == 0:
		return 0, errors.New("dstPtr is null")
	}
	n := min(len(buf.b), dstLen)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dstPtr))), n)
	return copy(dst, buf.b[:n]), nil
}

func (buf *Buffer) text() string {
	if buf == nil {
		return ""
	}
	return string(buf.b)
}
