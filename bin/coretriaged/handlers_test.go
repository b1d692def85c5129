package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/wasmx"
	"github.com/google/go-cmp/cmp"
)

func serve(s *service, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.stack.ServeHTTP(rec, req)
	return rec
}

func TestDebugInfo(t *testing.T) {
	store := newMemStore()
	s := newTestService(t, store, &fakeEngine{}, nil)

	path := "/debuginfo/" + testModuleID.String()
	module := append(append([]byte{}, wasmx.Magic...), 0x01, 0x00, 0x00, 0x00)

	rec := serve(s, http.MethodHead, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf(`lookup before upload: wanted status 404, got %d`, rec.Code)
	}

	rec = serve(s, http.MethodPut, path, module)
	if rec.Code != http.StatusCreated {
		t.Fatalf(`upload: wanted status 201, got %d: %s`, rec.Code, rec.Body.String())
	}

	var res coretriage.SubmissionResult
	decodeResponse(t, rec, &res)
	if want := debugInfoKey(testModuleID); res.Key != want {
		t.Errorf(`wanted key %s, got %s`, want, res.Key)
	}

	raw, err := store.Get(context.Background(), debugInfoKey(testModuleID))
	if err != nil {
		t.Fatalf(`getting uploaded module: %s`, err)
	}
	if !cmp.Equal(module, raw) {
		t.Errorf(`unexpected module: %s`, cmp.Diff(module, raw))
	}

	rec = serve(s, http.MethodHead, path, nil)
	if rec.Code != http.StatusOK {
		t.Errorf(`lookup after upload: wanted status 200, got %d`, rec.Code)
	}
}

func TestDebugInfo_Errors(t *testing.T) {
	module := append(append([]byte{}, wasmx.Magic...), 0x01, 0x00, 0x00, 0x00)
	valid := "/debuginfo/" + testModuleID.String()

	for n, c := range map[string]struct {
		store  Store
		method string
		path   string
		body   []byte
		status int
	}{
		"lookup invalid id": {
			store:  newMemStore(),
			method: http.MethodHead,
			path:   "/debuginfo/not-a-uuid",
			status: http.StatusBadRequest,
		},
		"upload invalid id": {
			store:  newMemStore(),
			method: http.MethodPut,
			path:   "/debuginfo/not-a-uuid",
			body:   module,
			status: http.StatusBadRequest,
		},
		"upload not a module": {
			store:  newMemStore(),
			method: http.MethodPut,
			path:   valid,
			body:   []byte("ELF"),
			status: http.StatusBadRequest,
		},
		"lookup without store": {
			method: http.MethodHead,
			path:   valid,
			status: http.StatusServiceUnavailable,
		},
		"upload without store": {
			method: http.MethodPut,
			path:   valid,
			body:   module,
			status: http.StatusServiceUnavailable,
		},
		"lookup store failure": {
			store:  failingStore{},
			method: http.MethodHead,
			path:   valid,
			status: http.StatusInternalServerError,
		},
		"upload store failure": {
			store:  failingStore{},
			method: http.MethodPut,
			path:   valid,
			body:   module,
			status: http.StatusInternalServerError,
		},
	} {
		t.Run(n, func(t *testing.T) {
			s := newTestService(t, c.store, &fakeEngine{}, nil)
			rec := serve(s, c.method, c.path, c.body)
			if rec.Code != c.status {
				t.Errorf(`wanted status %d, got %d: %s`, c.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestIncidents(t *testing.T) {
	s := newTestService(t, nil, &fakeEngine{}, nil)

	incident := coretriage.Incident{
		Date:   testNow.Truncate(time.Second).UTC(),
		Key:    "coredump.1700000000123",
		Source: coretriage.SourceInline,
		Tags:   map[string]string{"file": "coredump.1700000000123"},
		Trace:  formatTrace(testFrames),
	}
	err := s.index.Index(incident)
	if err != nil {
		t.Fatalf(`indexing: %s`, err)
	}

	rec := serve(s, http.MethodGet, "/incidents/coredump.1700000000123", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf(`get: wanted status 200, got %d: %s`, rec.Code, rec.Body.String())
	}
	var got coretriage.Incident
	decodeResponse(t, rec, &got)
	if !cmp.Equal(incident, got) {
		t.Errorf("unexpected incident: %s", cmp.Diff(incident, got))
	}

	rec = serve(s, http.MethodGet, "/incidents/coredump.0", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf(`get unknown: wanted status 404, got %d`, rec.Code)
	}

	rec = serve(s, http.MethodGet, "/incidents?q=trace:fetch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf(`search: wanted status 200, got %d: %s`, rec.Code, rec.Body.String())
	}
	var res coretriage.SearchResult
	decodeResponse(t, rec, &res)
	if res.Total != 1 || len(res.Results) != 1 || res.Results[0].Key != incident.Key {
		t.Errorf(`unexpected search result %+v`, res)
	}

	rec = serve(s, http.MethodDelete, "/incidents/coredump.1700000000123", nil)
	if rec.Code != http.StatusOK {
		t.Errorf(`delete: wanted status 200, got %d: %s`, rec.Code, rec.Body.String())
	}

	rec = serve(s, http.MethodDelete, "/incidents/coredump.1700000000123", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf(`delete again: wanted status 404, got %d`, rec.Code)
	}

	_, err = s.index.Find(incident.Key)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf(`wanted the incident to be gone, got %v`, err)
	}

	for _, query := range []string{
		"/incidents?sort=hostname",
		"/incidents?order=up",
		"/incidents?size=ten",
		"/incidents?from=-",
	} {
		rec = serve(s, http.MethodGet, query, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf(`%s: wanted status 400, got %d`, query, rec.Code)
		}
	}
}

func TestAbout(t *testing.T) {
	s := newTestService(t, nil, &fakeEngine{}, nil)

	rec := serve(s, http.MethodGet, "/about", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf(`wanted status 200, got %d`, rec.Code)
	}

	var got map[string]string
	decodeResponse(t, rec, &got)
	want := map[string]string{"built_at": BuiltAt, "commit": Commit, "version": Version}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected payload: %s", cmp.Diff(want, got))
	}
}
