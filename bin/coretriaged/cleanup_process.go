package main

import (
	"github.com/elwinar/coretriage"
	"github.com/inconshreveable/log15"
)

// cleanupProcess dismisses an incident. Only the index is cleaned: the
// archived coredump and the debug information stay in the store.
type cleanupProcess struct {
	index Index
	log   log15.Logger
	key   string

	incident coretriage.Incident
	err      error
}

func (p *cleanupProcess) init() {
	p.log = p.log.New("key", p.key)
}

func (p *cleanupProcess) findIncident() {
	if p.err != nil {
		return
	}

	p.incident, p.err = p.index.Find(p.key)
}

func (p *cleanupProcess) cleanIndex() {
	if p.err != nil {
		return
	}

	p.log.Debug("cleaning index")
	err := p.index.Delete(p.key)
	if err != nil {
		p.err = wrap(err, `removing indexed incident`)
		return
	}

	p.log.Info("dismissed incident", "event_id", p.incident.EventID, "file", p.incident.Tags["file"])
}
