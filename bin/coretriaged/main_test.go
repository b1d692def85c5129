package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/c2h5oh/datasize"
	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/symbolizer"
	"github.com/elwinar/coretriage/pkg/testingx"
	"github.com/elwinar/coretriage/pkg/wasmx"
	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
)

// memStore is an in-memory Store recording the writes.
type memStore struct {
	sync.Mutex
	objects map[string][]byte
	puts    []string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (s *memStore) Put(_ context.Context, key string, data []byte) error {
	s.Lock()
	defer s.Unlock()
	s.objects[key] = data
	s.puts = append(s.puts, key)
	return nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// failingStore fails every operation.
type failingStore struct{}

var errStoreDown = errors.New(`store down`)

func (failingStore) Get(context.Context, string) ([]byte, error)  { return nil, errStoreDown }
func (failingStore) Put(context.Context, string, []byte) error    { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }

// fakeEngine returns a fixed stack and records which construction path was
// taken.
type fakeEngine struct {
	frames []coretriage.Frame
	err    error

	path     string
	sections map[string][]byte
	module   []byte
}

func (e *fakeEngine) FromDumpAndModule(coredump, module []byte) (symbolizer.Stacker, error) {
	e.path = "module"
	e.module = module
	return e, nil
}

func (e *fakeEngine) FromDumpAndSections(coredump []byte, sections map[string][]byte) (symbolizer.Stacker, error) {
	e.path = "sections"
	e.sections = sections
	return e, nil
}

func (e *fakeEngine) Stack(context.Context) ([]coretriage.Frame, error) {
	return e.frames, e.err
}

var testFrames = []coretriage.Frame{
	{Function: "__main_void", File: "/rustc/library/std/src/rt.rs", Line: 145},
	{Function: "fetch", File: "src/lib.rs", Line: 14},
	{Function: "process_thing", File: "src/lib.rs", Line: 27},
	{Function: "calculate", File: "src/lib.rs", Line: 33},
}

// testNow is the reception time of every submission in tests.
var testNow = time.Unix(1700000000, 123456789)

func testCoredump() []byte {
	return append(append([]byte{}, wasmx.Magic...), 0x01, 0x00, 0x00, 0x00, 0xde, 0xad)
}

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

// newTestService returns a service wired with in-memory dependencies. The
// store and reporter may be nil.
func newTestService(t *testing.T, store Store, engine symbolizer.Engine, r reporter) *service {
	t.Helper()

	index, err := newBleveIndex(mustMemIndex(t))
	if err != nil {
		t.Fatalf(`creating index: %s`, err)
	}
	t.Cleanup(func() { index.Close() })

	s := &service{
		maxSize:  1 * datasize.MB,
		tags:     map[string]string{"service": "worker"},
		logger:   discardLogger(),
		metrics:  newMetrics(prometheus.NewRegistry()),
		store:    store,
		index:    index,
		engine:   engine,
		reporter: r,
		now:      func() time.Time { return testNow },
	}
	s.routes()
	return s
}

func mustMemIndex(t *testing.T) bleve.Index {
	t.Helper()
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		t.Fatalf(`creating memory index: %s`, err)
	}
	return index
}

// submit posts the form to the service and returns the recorded response.
func submit(t *testing.T, s *service, form testingx.Form) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := testingx.Multipart(t, form)
	req := httptest.NewRequest(http.MethodPost, "/coredumps", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	s.stack.ServeHTTP(rec, req)
	return rec
}

// parseForm decodes the form the way the server does.
func parseForm(t *testing.T, f testingx.Form) form {
	t.Helper()

	body, contentType := testingx.Multipart(t, f)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body.Bytes()))
	req.Header.Set("Content-Type", contentType)

	err := req.ParseMultipartForm(1 << 20)
	if err != nil {
		t.Fatalf(`parsing form: %s`, err)
	}
	t.Cleanup(func() { req.MultipartForm.RemoveAll() })
	return multipartForm{form: req.MultipartForm}
}

// inlineFiles returns the file fields of a submission carrying every debug
// section.
func inlineFiles() map[string][][]byte {
	files := map[string][][]byte{
		coretriage.FieldCoredump: {testCoredump()},
	}
	for _, name := range coretriage.DebugSections {
		files[coretriage.SectionField(name)] = [][]byte{[]byte("content of " + name)}
	}
	return files
}
