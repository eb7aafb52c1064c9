// Package bufview provides typed views over a guest's linear memory.
//
// Views alias memory wherever the host layout allows it, so a view is only
// valid for the duration of the host call that produced it.
package bufview

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
	"unsafe"

	"github.com/wippyai/nnbridge"
	"github.com/wippyai/nnbridge/errors"
)

// ElemType is the element type of a flat buffer region.
type ElemType uint8

const (
	Float32 ElemType = iota
	Bool8
	Byte
)

// Size returns the element width in bytes.
func (t ElemType) Size() uint32 {
	if t == Float32 {
		return 4
	}
	return 1
}

func (t ElemType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Bool8:
		return "bool8"
	case Byte:
		return "byte"
	default:
		return "unknown"
	}
}

// Region is a contiguous run of elements in linear memory.
type Region struct {
	Offset uint32
	Count  uint32
	Type   ElemType
}

// ByteLen returns the region length in bytes, or false on overflow.
func (r Region) ByteLen() (uint32, bool) {
	n := uint64(r.Count) * uint64(r.Type.Size())
	if n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// bytes resolves a region to its backing byte slice.
func bytes(mem nnbridge.Memory, r Region) ([]byte, error) {
	n, ok := r.ByteLen()
	if !ok {
		return nil, errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Value(r.Count).
			Detail("%d %s elements overflow the address space", r.Count, r.Type).
			Build()
	}
	if n == 0 {
		return nil, nil
	}
	b, ok := mem.Read(r.Offset, n)
	if !ok {
		return nil, errors.OutOfBounds(r.Offset, n, mem.Size())
	}
	return b, nil
}

// Check verifies that r lies within memory without touching it.
func Check(mem nnbridge.Memory, r Region) error {
	_, err := bytes(mem, r)
	return err
}

// ReadFloats returns count float32 values starting at offset.
//
// On little-endian hosts with a 4-byte aligned offset the result aliases
// memory; writes to it are visible to the guest. Otherwise a decoded copy is
// returned.
func ReadFloats(mem nnbridge.Memory, offset, count uint32) ([]float32, error) {
	b, err := bytes(mem, Region{Offset: offset, Count: count, Type: Float32})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []float32{}, nil
	}
	if littleEndian && uintptr(unsafe.Pointer(&b[0]))%4 == 0 {
		return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), count), nil
	}
	out := make([]float32, count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// ReadBooleans returns count booleans, one byte each. Nonzero is true.
func ReadBooleans(mem nnbridge.Memory, offset, count uint32) ([]bool, error) {
	b, err := bytes(mem, Region{Offset: offset, Count: count, Type: Bool8})
	if err != nil {
		return nil, err
	}
	out := make([]bool, count)
	for i, v := range b {
		out[i] = v != 0
	}
	return out, nil
}

// ReadBytes returns count raw bytes aliasing memory.
func ReadBytes(mem nnbridge.Memory, offset, count uint32) ([]byte, error) {
	b, err := bytes(mem, Region{Offset: offset, Count: count, Type: Byte})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return []byte{}, nil
	}
	return b, nil
}

// WriteFloats writes values as little-endian float32 at offset.
// len(values) must equal count.
func WriteFloats(mem nnbridge.Memory, offset, count uint32, values []float32) error {
	if uint64(len(values)) != uint64(count) {
		return errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Value(len(values)).
			Detail("have %d values for a region of %d floats", len(values), count).
			Build()
	}
	b, err := bytes(mem, Region{Offset: offset, Count: count, Type: Float32})
	if err != nil {
		return err
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return nil
}

// ReadCString reads a NUL-terminated UTF-8 string of at most max bytes.
// A string that runs to the end of memory without a terminator is accepted.
func ReadCString(mem nnbridge.Memory, ptr, max uint32) (string, error) {
	size := mem.Size()
	if ptr >= size {
		return "", errors.OutOfBounds(ptr, 1, size)
	}
	n := size - ptr
	if n > max {
		n = max
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return "", errors.OutOfBounds(ptr, n, size)
	}
	end := -1
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		if n == max && ptr+n < size {
			return "", errors.New(errors.PhaseMemory, errors.KindInvalidInput).
				Value(ptr).
				Detail("string at %d exceeds %d bytes", ptr, max).
				Build()
		}
		end = len(b)
	}
	s := string(b[:end])
	if !utf8.ValidString(s) {
		return "", errors.InvalidData(errors.PhaseMemory, "string is not valid UTF-8")
	}
	return s, nil
}
