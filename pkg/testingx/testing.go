// testingx contains testing helpers meant to simplify unit testing. Most of
// the helpers are simple wrapper for other libraries functions with a few
// tweaks meant to simplify the unit tests:
// - they don't return an error and instead fail the test,
// - relative filepath are prefixed by testdata/,
// - resources like file handles are closed during test cleanup;
package testingx

import (
	"bytes"
	"encoding/json"
	"flag"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// updateGoldenFlag indicates tests to udpate their golden files with the
// expected output. This flag is controled by the -updategolden flag and will
// apply to every call to GoldenXXX, one is expected to use the -run flag to
// limit to specific tests.
var updateGolden bool

func init() {
	flag.BoolVar(&updateGolden, "updategolden", false, "update the golden files")
}

func testdata(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(`testdata`, path)
}

// Open the file at path and return the handle.
func Open(t *testing.T, path string) *os.File {
	t.Helper()
	path = testdata(path)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf(`opening file %q: %s`, path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// ReadFile returns the content of the file at path. See os.ReadFile.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	path = testdata(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf(`reading file %q: %s`, path, err)
	}
	return raw
}

// WriteFile set the content of the file at path. See os.WriteFile.
func WriteFile(t *testing.T, path string, raw []byte) {
	t.Helper()
	path = testdata(path)
	err := os.WriteFile(path, raw, 0644)
	if err != nil {
		t.Fatalf(`writing file %q: %s`, path, err)
	}
}

// UnmarshalJSON parse the JSON raw string into dest. See json.Unmarshal.
func UnmarshalJSON(t *testing.T, raw []byte, dest interface{}) {
	t.Helper()
	err := json.Unmarshal(raw, dest)
	if err != nil {
		t.Fatalf(`unmarshaling: %s`, err)
	}
}

// MarshalJSON encode src into a JSON string. See json.Marshal.
func MarshalJSON(t *testing.T, src interface{}) []byte {
	t.Helper()
	raw, err := json.MarshalIndent(src, "", "\t")
	if err != nil {
		t.Fatalf(`marshaling %#v: %s`, src, err)
	}
	return raw
}

// Golden returns the content of the file at path, eventually changing them to
// out beforehand if the -updategolden flag was set to true on the command
// line. See ReadFile and WriteFile.
func Golden(t *testing.T, path string, out []byte) []byte {
	t.Helper()
	if updateGolden {
		WriteFile(t, path, out)
	}
	return ReadFile(t, path)
}

// GoldenJSON is like Golden, but keep a JSON representation of the given
// structs into the file at path.
func GoldenJSON(t *testing.T, path string, out, dest interface{}) {
	t.Helper()
	if updateGolden {
		WriteFile(t, path, MarshalJSON(t, out))
	}
	UnmarshalJSON(t, ReadFile(t, path), dest)
}

// Form describes a multipart/form-data body: plain fields, and file fields
// that may be repeated.
type Form struct {
	Fields map[string]string
	Files  map[string][][]byte
}

// Multipart encodes the form and returns the body along with the content
// type to send it with. Fields are written in a stable order so bodies can
// be compared between runs.
func Multipart(t *testing.T, form Form) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	for _, name := range sortedKeys(form.Fields) {
		err := w.WriteField(name, form.Fields[name])
		if err != nil {
			t.Fatalf(`writing field %q: %s`, name, err)
		}
	}

	names := make([]string, 0, len(form.Files))
	for name := range form.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, content := range form.Files[name] {
			part, err := w.CreateFormFile(name, name)
			if err != nil {
				t.Fatalf(`creating file %q: %s`, name, err)
			}
			_, err = part.Write(content)
			if err != nil {
				t.Fatalf(`writing file %q: %s`, name, err)
			}
		}
	}

	err := w.Close()
	if err != nil {
		t.Fatalf(`closing multipart writer: %s`, err)
	}
	return &body, w.FormDataContentType()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
