package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/wasmx"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

func (s *service) about(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	write(rw, http.StatusOK, map[string]string{
		"built_at": BuiltAt,
		"commit":   Commit,
		"version":  Version,
	})
}

// triage handles the coredump submissions. The coredump goes through the
// whole pipeline before the response is written: the submitter gets either
// the key the coredump was archived under, or the reason it couldn't be
// triaged.
func (s *service) triage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	p := &triageProcess{
		log:      s.logger,
		metrics:  s.metrics,
		store:    s.store,
		index:    s.index,
		engine:   s.engine,
		reporter: s.reporter,
		now:      s.now(),
		maxSize:  s.maxSize,
		tags:     s.tags,
	}
	p.init()
	p.read(w, r)
	p.decode()
	p.resolve(ctx)
	p.reconstruct(ctx)
	p.archive(ctx)
	p.printStack()
	p.report(ctx)
	p.indexIncident()
	p.close()

	if p.err != nil {
		kind := errorKind(p.err)
		s.metrics.failures.WithLabelValues(kind).Inc()
		s.logger.Error("triaging", "uid", p.uid, "kind", kind, "err", p.err)
		writeError(w, statusOf(p.err), p.err)
		return
	}

	write(w, http.StatusOK, coretriage.SubmissionResult{Key: p.key})
}

// lookupDebugInfo handles the requests to check if the debug information of a
// module was already uploaded. It doesn't return anything (except in case of
// error).
func (s *service) lookupDebugInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, &MalformedIdentifierError{Err: err})
		return
	}

	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, ErrStorageUnavailable)
		return
	}

	key := debugInfoKey(id)
	exists, err := s.store.Exists(r.Context(), key)
	if err != nil {
		s.logger.Warn("looking up debug information", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, &StorageIOError{Key: key, Err: err})
		return
	}

	if !exists {
		writeError(w, http.StatusNotFound, errors.New(`not found`))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// putDebugInfo handles the upload of the debug module split out of a module.
// The module is stored under the key the resolver looks for.
func (s *service) putDebugInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, &MalformedIdentifierError{Err: err})
		return
	}

	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, ErrStorageUnavailable)
		return
	}

	body := http.MaxBytesReader(w, r.Body, int64(s.maxSize.Bytes()))
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, &ParseError{Field: "body", Err: err})
		return
	}

	if !wasmx.HasMagic(raw) {
		writeError(w, http.StatusBadRequest, &ParseError{Field: "body", Err: wasmx.ErrMagic})
		return
	}

	key := debugInfoKey(id)
	err = s.store.Put(r.Context(), key, raw)
	if err != nil {
		s.logger.Error("storing debug information", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, &StorageIOError{Key: key, Err: err})
		return
	}

	s.logger.Info("stored debug information", "key", key)
	write(w, http.StatusCreated, coretriage.SubmissionResult{Key: key})
}

// searchIncidents handle the requests to search incidents matching a number
// of parameters.
func (s *service) searchIncidents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.FormValue("q")
	if len(q) == 0 {
		q = "*"
	}

	sort := r.FormValue("sort")
	if len(sort) == 0 {
		sort = "date"
	}
	switch sort {
	case "date", "key", "event_id":
		break
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort field '%s'", sort))
		return
	}

	order := r.FormValue("order")
	if len(order) == 0 {
		order = "desc"
	}
	switch order {
	case "asc", "desc":
		break
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort order '%s'", order))
		return
	}

	rawSize := r.FormValue("size")
	if len(rawSize) == 0 {
		rawSize = "50"
	}
	size, err := strconv.Atoi(rawSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, wrap(err, "invalid size parameter"))
		return
	}

	rawFrom := r.FormValue("from")
	if len(rawFrom) == 0 {
		rawFrom = "0"
	}
	from, err := strconv.Atoi(rawFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, wrap(err, "invalid from parameter"))
		return
	}

	res, total, err := s.index.Search(q, sort, order, size, from)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	write(w, http.StatusOK, coretriage.SearchResult{Results: res, Total: total})
}

// getIncident handles the requests to get a single incident.
func (s *service) getIncident(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	key := p.ByName("key")

	c, err := s.index.Find(key)
	switch {
	case err == nil:
		write(w, http.StatusOK, c)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("unknown incident"))
	default:
		s.logger.Error("finding incident", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// deleteIncident handle the request to dismiss an incident.
func (s *service) deleteIncident(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := &cleanupProcess{
		index: s.index,
		log:   s.logger,
		key:   params.ByName("key"),
	}
	p.init()
	p.findIncident()
	p.cleanIndex()

	switch {
	case p.err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(p.err, ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("unknown incident"))
	default:
		s.logger.Error("dismissing incident", "key", p.key, "err", p.err)
		writeError(w, http.StatusInternalServerError, p.err)
	}
}
