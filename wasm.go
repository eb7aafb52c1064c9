package nnbridge

// Memory is the view of a guest's linear memory the bridge works against.
// wazero's api.Memory satisfies it. Read returns a slice that aliases the
// underlying memory rather than a copy.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	Size() uint32
}

// SliceMemory is a Memory backed by a plain byte slice. It never grows.
type SliceMemory []byte

func (m SliceMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m)) {
		return nil, false
	}
	return m[offset:end:end], true
}

func (m SliceMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m)) {
		return false
	}
	copy(m[offset:], v)
	return true
}

func (m SliceMemory) Size() uint32 {
	return uint32(len(m))
}
