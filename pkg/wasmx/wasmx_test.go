package wasmx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestReader_uleb32(t *testing.T) {
	type testcase struct {
		input   []byte
		want    uint32
		wantErr error
	}

	for n, c := range map[string]testcase{
		"zero": {
			input: []byte{0x00},
			want:  0,
		},
		"one byte": {
			input: []byte{0x7f},
			want:  127,
		},
		"two bytes": {
			input: []byte{0x80, 0x01},
			want:  128,
		},
		"624485": {
			input: []byte{0xe5, 0x8e, 0x26},
			want:  624485,
		},
		"max": {
			input: []byte{0xff, 0xff, 0xff, 0xff, 0x0f},
			want:  0xffffffff,
		},
		"overflow": {
			input:   []byte{0xff, 0xff, 0xff, 0xff, 0x1f},
			wantErr: ErrOverflow,
		},
		"too long": {
			input:   []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00},
			wantErr: ErrOverflow,
		},
		"truncated": {
			input:   []byte{0x80},
			wantErr: ErrTruncated,
		},
		"empty": {
			input:   nil,
			wantErr: ErrTruncated,
		},
	} {
		t.Run(n, func(t *testing.T) {
			r := reader{buf: c.input}
			got, err := r.uleb32()
			if !errors.Is(err, c.wantErr) {
				t.Fatalf(`uleb32(%x): wanted error %v, got %v`, c.input, c.wantErr, err)
			}
			if got != c.want {
				t.Errorf(`uleb32(%x): wanted %d, got %d`, c.input, c.want, got)
			}
		})
	}
}

func TestWriteUleb32(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 624485, 1 << 28, 0xffffffff} {
		var buf bytes.Buffer
		writeUleb32(&buf, v)

		r := reader{buf: buf.Bytes()}
		got, err := r.uleb32()
		if err != nil {
			t.Errorf(`uleb32 of encoded %d: unexpected error %s`, v, err)
			continue
		}
		if got != v || !r.done() {
			t.Errorf(`uleb32 of encoded %d: got %d, consumed %d/%d bytes`, v, got, r.off, buf.Len())
		}
	}
}

func TestParseBuildID(t *testing.T) {
	id := uuid.MustParse("5d2a2c4e-3b1f-4f4e-9a59-8f5e2b1a7c3d")

	type testcase struct {
		input   []byte
		want    uuid.UUID
		wantErr bool
	}

	for n, c := range map[string]testcase{
		"valid": {
			input: EncodeBuildID(id),
			want:  id,
		},
		"raw bytes without length": {
			input:   id[:],
			wantErr: true,
		},
		"short id": {
			input:   append([]byte{0x04}, 1, 2, 3, 4),
			wantErr: true,
		},
		"truncated": {
			input:   append([]byte{0x10}, id[:8]...),
			wantErr: true,
		},
		"empty": {
			input:   nil,
			wantErr: true,
		},
	} {
		t.Run(n, func(t *testing.T) {
			got, err := ParseBuildID(c.input)
			if (err != nil) != c.wantErr {
				t.Fatalf(`ParseBuildID(%x): wanted error %t, got %v`, c.input, c.wantErr, err)
			}
			if got != c.want {
				t.Errorf(`ParseBuildID(%x): wanted %s, got %s`, c.input, c.want, got)
			}
		})
	}
}

func TestCustomSections(t *testing.T) {
	sections := map[string][]byte{
		"name":        []byte("names"),
		".debug_info": bytes.Repeat([]byte{0xab}, 300),
		".debug_str":  {},
	}

	module := BuildModule(sections)
	if !HasMagic(module) {
		t.Fatalf(`BuildModule(): missing magic in %x`, module[:8])
	}

	got, err := CustomSections(module)
	if err != nil {
		t.Fatalf(`CustomSections(): unexpected error %s`, err)
	}

	want := map[string][][]byte{
		"name":        {[]byte("names")},
		".debug_info": {bytes.Repeat([]byte{0xab}, 300)},
		".debug_str":  {{}},
	}
	if !cmp.Equal(want, got) {
		t.Errorf(`CustomSections(): unexpected result`)
		t.Log(cmp.Diff(want, got))
	}
}

func TestCustomSections_SkipsOtherSections(t *testing.T) {
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	module := BuildModule(map[string][]byte{BuildIDSection: EncodeBuildID(id)})

	// A type section (id 1) with one empty function type, and a repeated
	// build_id section.
	module = append(module, 0x01, 0x04, 0x01, 0x60, 0x00, 0x00)
	module = append(module, BuildModule(map[string][]byte{BuildIDSection: EncodeBuildID(id)})[8:]...)

	got, err := CustomSections(module)
	if err != nil {
		t.Fatalf(`CustomSections(): unexpected error %s`, err)
	}

	if len(got) != 1 || len(got[BuildIDSection]) != 2 {
		t.Fatalf(`CustomSections(): wanted two build_id sections only, got %v`, got)
	}

	parsed, err := ParseBuildID(got[BuildIDSection][0])
	if err != nil || parsed != id {
		t.Errorf(`ParseBuildID(): wanted %s, got %s (%v)`, id, parsed, err)
	}
}

func TestCustomSections_Invalid(t *testing.T) {
	for n, input := range map[string][]byte{
		"empty":         nil,
		"not wasm":      []byte("\x7fELF\x02\x01\x01\x00"),
		"short header":  {0x00, 0x61, 0x73, 0x6d, 0x01},
		"bad version":   {0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00},
		"truncated":     {0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x00, 0x10, 0x01},
		"bad name size": {0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x05},
	} {
		t.Run(n, func(t *testing.T) {
			_, err := CustomSections(input)
			if err == nil {
				t.Errorf(`CustomSections(%x): expected an error`, input)
			}
		})
	}
}
