package hnsw

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"unsafe"
)

const (
	snapshotMagic = "EDGV"

	// currentVersionMajor/currentVersionMinor is the only version this
	// reader ever writes. It additionally reads every tuple listed in
	// readableVersions.
	currentVersionMajor = 0
	currentVersionMinor = 3

	headerSize = 64

	flagBQPresent    uint16 = 1 << 0
	flagHasMetadata  uint16 = 1 << 1
)

// readableVersions are the (major, minor) tuples this reader accepts, newest
// last. Writing always produces the current version; older readers cannot
// parse a file written by this one.
var readableVersions = [][2]uint8{{0, 1}, {0, 2}, {0, 3}}

func isReadableVersion(major, minor uint8) bool {
	for _, v := range readableVersions {
		if v[0] == major && v[1] == minor {
			return true
		}
	}
	return false
}

// header mirrors the on-disk header: a fixed 64-byte region (magic through
// VectorLength) followed by 24 bytes of BQ/bitmap/metadata offsets and
// lengths, 88 bytes in all for every readable version. Field
// order matches byte order; the struct itself is never cast onto a raw byte
// slice (it is written/read field by field through encoding/binary) so its
// Go memory layout does not need to match the wire layout exactly, but
// declaration order is kept identical for readability.
type header struct {
	Magic          [4]byte
	VersionMajor   uint8
	VersionMinor   uint8
	Flags          uint16
	Dimension      uint32
	NodeCount      uint32
	LiveCount      uint32
	DeletedCount   uint32
	EntryPointID   uint32
	LMax           uint8
	M              uint8
	M0             uint8
	_              [1]byte // reserved, keeps the fixed-field region 8-byte aligned
	ConfigOffset   uint32
	ConfigLength   uint32
	NodesOffset    uint32
	NodesLength    uint32
	NeighborOffset uint32
	NeighborLength uint32
	VectorOffset   uint32
	VectorLength   uint32
	BQOffset       uint32
	BQLength       uint32
	BitmapOffset   uint32
	BitmapLength   uint32
	MetaOffset     uint32
	MetaLength     uint32
}

// onDiskNode is the fixed-size, trivially copyable record stored in the node
// records section: one per VectorId, in ascending id order. Variable-length
// neighbor lists live in the separate neighbor arena, addressed by
// ArenaOffset (counted in uint32 elements from the start of that arena).
type onDiskNode struct {
	ID          uint32
	MaxLayer    uint32
	Deleted     uint32 // 0 or 1; always 0 for pre-(0,3) snapshots
	ArenaOffset uint32
}

const onDiskNodeSize = 16 // 4 uint32 fields

// AlignmentError reports a checked cast that could not produce a value at
// all because the byte range has the wrong length (not a multiple of the
// element size, or not the expected record count). A merely misaligned
// buffer is not an error: the cast falls back to a copy.
type AlignmentError struct {
	Context string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("alignment error: %s", e.Context)
}

// checkedCastUint32s reinterprets a byte slice as a []uint32 without a copy
// when the backing buffer's address already satisfies uint32's alignment
// requirement, and the length is an exact multiple of 4 bytes. Otherwise it
// falls back to an element-wise copy into a freshly allocated, correctly
// aligned slice. This is the only place raw bytes are reinterpreted as a Go
// slice header in this package; every other section is read through
// encoding/binary instead.
func checkedCastUint32s(b []byte, context string) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, &AlignmentError{Context: context + ": length not a multiple of 4"}
	}
	n := len(b) / 4

	if n == 0 {
		return []uint32{}, nil
	}

	addr := uintptr(unsafe.Pointer(&b[0]))
	align := unsafe.Alignof(uint32(0))

	if addr%align == 0 {
		return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n), nil
	}

	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return out, nil
}

// checkedCastNodes reinterprets a byte slice as a []onDiskNode using the
// same alignment-or-copy rule as checkedCastUint32s. A misaligned buffer
// (observed in practice on some 32-bit ARM targets and certain Wasm
// engines when the section is not placed on an 8-byte boundary) falls back
// to a field-by-field copy rather than triggering undefined behavior.
func checkedCastNodes(b []byte, count int) ([]onDiskNode, error) {
	want := count * onDiskNodeSize
	if len(b) != want {
		return nil, &AlignmentError{Context: fmt.Sprintf("node records: expected %d bytes, got %d", want, len(b))}
	}
	if count == 0 {
		return []onDiskNode{}, nil
	}

	addr := uintptr(unsafe.Pointer(&b[0]))
	align := unsafe.Alignof(onDiskNode{})

	if addr%align == 0 {
		return unsafe.Slice((*onDiskNode)(unsafe.Pointer(&b[0])), count), nil
	}

	out := make([]onDiskNode, count)
	for i := range out {
		off := i * onDiskNodeSize
		out[i] = onDiskNode{
			ID:          binary.LittleEndian.Uint32(b[off : off+4]),
			MaxLayer:    binary.LittleEndian.Uint32(b[off+4 : off+8]),
			Deleted:     binary.LittleEndian.Uint32(b[off+8 : off+12]),
			ArenaOffset: binary.LittleEndian.Uint32(b[off+12 : off+16]),
		}
	}
	return out, nil
}

// init asserts that onDiskNode's Go layout
// matches its declared on-disk size; a mismatch here means a future field
// addition broke the fixed-record assumption the checked cast depends on.
func init() {
	if sz := int(reflect.TypeOf(onDiskNode{}).Size()); sz != onDiskNodeSize {
		panic(fmt.Sprintf("onDiskNode layout drift: go size %d, wire size %d", sz, onDiskNodeSize))
	}
}
