package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/symbolizer"
	"github.com/inconshreveable/log15"
	"github.com/rs/xid"
)

// reporter sends incidents to the external issue tracker.
type reporter interface {
	Report(ctx context.Context, tags map[string]string, frames []coretriage.Frame, request json.RawMessage) (string, error)
}

// triageProcess handles a single coredump submission, from the decoding of
// the request to the reporting of the incident. Every step is a no-op once
// one of them failed.
type triageProcess struct {
	log      log15.Logger
	metrics  *metrics
	store    Store
	index    Index
	engine   symbolizer.Engine
	reporter reporter
	now      time.Time
	maxSize  datasize.ByteSize
	tags     map[string]string

	err        error
	uid        string
	r          *http.Request
	form       form
	submission Submission
	source     DebugSource
	artifact   DebugArtifact
	frames     []coretriage.Frame
	key        string
	eventID    string
}

func (p *triageProcess) init() {
	p.uid = xid.New().String()
	p.log = p.log.New("uid", p.uid)

	// The static tags are copied so the process can add its own.
	tags := make(map[string]string, len(p.tags)+2)
	for k, v := range p.tags {
		tags[k] = v
	}
	p.tags = tags
}

// read parses the multipart body of the request, bounded by the maximum
// submission size.
func (p *triageProcess) read(w http.ResponseWriter, r *http.Request) {
	if p.err != nil {
		return
	}

	p.r = r
	r.Body = http.MaxBytesReader(w, r.Body, int64(p.maxSize.Bytes()))
	err := r.ParseMultipartForm(32 << 20)
	if err != nil {
		p.err = &ParseError{Field: "body", Err: err}
		return
	}
	p.form = multipartForm{form: r.MultipartForm}
}

func (p *triageProcess) close() {
	if p.r == nil {
		return
	}
	if p.r.MultipartForm != nil {
		p.r.MultipartForm.RemoveAll()
	}
	io.Copy(io.Discard, p.r.Body)
	p.r.Body.Close()
}

func (p *triageProcess) decode() {
	if p.err != nil {
		return
	}

	p.submission, p.err = decodeSubmission(p.form)
}

// resolve finds the debug information of the crashed module, either in the
// submission or in the store.
func (p *triageProcess) resolve(ctx context.Context) {
	if p.err != nil {
		return
	}

	p.source, p.err = decodeDebugSource(p.form)
	if p.err != nil {
		return
	}

	kind := p.source.Kind()
	p.log.Debug("received coredump", "source", kind, "size", datasize.ByteSize(len(p.submission.Coredump)).HR())
	p.metrics.received.WithLabelValues(kind).Inc()
	p.metrics.receivedSizes.WithLabelValues(kind).Observe(datasize.ByteSize(len(p.submission.Coredump)).MBytes())

	if s, ok := p.source.(ReferenceSource); ok {
		p.log.Info("retrieving debugging information", "key", s.Key())
	}

	p.artifact, p.err = resolveDebugSource(ctx, p.source, p.store, p.tags)
}

// reconstruct runs the symbolizer on the coredump.
func (p *triageProcess) reconstruct(ctx context.Context) {
	if p.err != nil {
		return
	}

	start := time.Now()
	defer func() {
		p.metrics.symbolication.Observe(time.Since(start).Seconds())
	}()

	stacker, err := p.artifact.open(p.engine, p.submission.Coredump)
	if err != nil {
		p.err = &SymbolicationError{Err: err}
		return
	}

	p.frames, err = stacker.Stack(ctx)
	if err != nil {
		p.err = &SymbolicationError{Err: err}
		return
	}
}

// archive writes the coredump to the store. Failing to do so doesn't fail
// the submission: the error is logged and counted instead.
func (p *triageProcess) archive(ctx context.Context) {
	if p.err != nil {
		return
	}

	p.key = archiveKey(p.now)
	p.tags["file"] = p.key

	if p.store == nil {
		p.log.Debug("no store configured, skipping archive", "key", p.key)
		return
	}

	err := p.store.Put(ctx, p.key, p.submission.Coredump)
	if err != nil {
		p.metrics.archiveFailures.Inc()
		p.log.Error("archiving coredump", "key", p.key, "err", &StorageIOError{Key: p.key, Err: err})
		return
	}

	p.log.Info("core dumped", "key", p.key)
}

// printStack logs the reconstructed stack, crashing function first.
func (p *triageProcess) printStack() {
	if p.err != nil {
		return
	}

	p.log.Info("wasm trapped", "key", p.key, "frames", len(p.frames))
	for _, f := range displayOrder(p.frames) {
		p.log.Info("at", "function", f.Function, "file", f.File, "line", f.Line)
	}
}

// report sends the incident to the reporting backend, if any.
func (p *triageProcess) report(ctx context.Context) {
	if p.err != nil {
		return
	}

	if p.reporter == nil {
		return
	}

	id, err := p.reporter.Report(ctx, p.tags, p.frames, p.submission.Request)
	if err != nil {
		status, _ := reportStatus(err)
		p.log.Error("reporting incident", "key", p.key, "status", status, "err", err)
		p.err = &ReportError{Err: err}
		return
	}

	p.eventID = id
	p.metrics.reported.Inc()
	p.log.Info("reported incident", "key", p.key, "event_id", id)
}

// indexIncident records the incident in the index. It runs as long as the
// stack was reconstructed, so incidents the backend refused can still be
// found. Indexing errors are only logged.
func (p *triageProcess) indexIncident() {
	if p.index == nil || p.frames == nil || len(p.key) == 0 {
		return
	}

	err := p.index.Index(coretriage.Incident{
		Date:      p.now,
		DebugInfo: p.tags["debuginfo"],
		EventID:   p.eventID,
		Key:       p.key,
		Reported:  len(p.eventID) != 0,
		Source:    p.source.Kind(),
		Tags:      p.tags,
		Trace:     formatTrace(p.frames),
	})
	if err != nil {
		p.log.Warn("indexing incident", "key", p.key, "err", err)
	}
}
