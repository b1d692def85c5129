// Package wasmx reads and writes the few parts of the WebAssembly binary
// format the triage pipeline needs: custom sections and the build_id section
// binding a module to its split-out debug information.
//
// It doesn't validate nor decode the module's code, types or debug
// information.
package wasmx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Magic is the preamble of every WebAssembly module, coredumps included.
var Magic = []byte{0x00, 0x61, 0x73, 0x6d}

// Version is the only binary format version understood by this package.
const Version uint32 = 1

// BuildIDSection is the name of the custom section carrying the build id.
const BuildIDSection = "build_id"

const customSectionID = 0

var (
	ErrMagic     = errors.New(`not a wasm module`)
	ErrTruncated = errors.New(`unexpected end of input`)
	ErrOverflow  = errors.New(`leb128 value overflows 32 bits`)
)

// HasMagic reports whether the raw bytes start with the WebAssembly preamble.
func HasMagic(raw []byte) bool {
	return bytes.HasPrefix(raw, Magic)
}

// CustomSections parses a module and returns the content of its custom
// sections by name. A name can appear multiple times, in which case the
// contents are kept in module order.
func CustomSections(module []byte) (map[string][][]byte, error) {
	if !HasMagic(module) {
		return nil, ErrMagic
	}
	if len(module) < 8 {
		return nil, ErrTruncated
	}
	if v := binary.LittleEndian.Uint32(module[4:8]); v != Version {
		return nil, fmt.Errorf(`unsupported wasm version %d`, v)
	}

	sections := make(map[string][][]byte)
	r := reader{buf: module, off: 8}
	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf(`reading section id at offset %d: %w`, r.off, err)
		}

		payload, err := r.vec()
		if err != nil {
			return nil, fmt.Errorf(`reading section %d payload: %w`, id, err)
		}

		if id != customSectionID {
			continue
		}

		sr := reader{buf: payload}
		name, err := sr.vec()
		if err != nil {
			return nil, fmt.Errorf(`reading custom section name: %w`, err)
		}
		sections[string(name)] = append(sections[string(name)], payload[sr.off:])
	}
	return sections, nil
}

// ParseBuildID decodes the content of a build_id custom section, a
// length-prefixed byte vector holding a 16 bytes UUID.
func ParseBuildID(section []byte) (uuid.UUID, error) {
	r := reader{buf: section}
	raw, err := r.vec()
	if err != nil {
		return uuid.Nil, fmt.Errorf(`reading build_id: %w`, err)
	}

	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf(`parsing build_id value: %w`, err)
	}
	return id, nil
}

// EncodeBuildID returns the content of a build_id custom section for id.
func EncodeBuildID(id uuid.UUID) []byte {
	var buf bytes.Buffer
	writeVec(&buf, id[:])
	return buf.Bytes()
}

// BuildModule assembles a module made of custom sections only, sorted by
// name. This is the shape of a debug module: the debug information a
// symbolizer needs, without any code.
func BuildModule(sections map[string][]byte) []byte {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.Write(Magic)
	binary.Write(&buf, binary.LittleEndian, Version)

	for _, name := range names {
		var payload bytes.Buffer
		writeVec(&payload, []byte(name))
		payload.Write(sections[name])

		buf.WriteByte(customSectionID)
		writeVec(&buf, payload.Bytes())
	}
	return buf.Bytes()
}

// reader is a cursor over a byte slice decoding the format's primitives.
type reader struct {
	buf []byte
	off int
}

func (r *reader) done() bool {
	return r.off >= len(r.buf)
}

func (r *reader) byte() (byte, error) {
	if r.done() {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// uleb32 decodes an unsigned LEB128 value of at most 32 bits.
func (r *reader) uleb32() (uint32, error) {
	var result uint32
	for shift := uint(0); ; shift += 7 {
		if shift >= 35 {
			return 0, ErrOverflow
		}

		b, err := r.byte()
		if err != nil {
			return 0, err
		}

		if shift == 28 && b&0x70 != 0 {
			return 0, ErrOverflow
		}

		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
	}
}

// vec reads a length-prefixed byte vector.
func (r *reader) vec() ([]byte, error) {
	n, err := r.uleb32()
	if err != nil {
		return nil, err
	}

	if uint64(r.off)+uint64(n) > uint64(len(r.buf)) {
		return nil, ErrTruncated
	}

	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func writeUleb32(buf *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeVec(buf *bytes.Buffer, v []byte) {
	writeUleb32(buf, uint32(len(v)))
	buf.Write(v)
}
