package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/symbolizer"
	"github.com/elwinar/coretriage/pkg/wasmx"
	"github.com/google/uuid"
)

// DebugSource tells where the debug information of a crashed module is. It
// is either an InlineSource or a ReferenceSource.
type DebugSource interface {
	// Kind returns coretriage.SourceInline or coretriage.SourceReference.
	Kind() string
	debugSource()
}

// InlineSource is debug information sent along with the coredump, as the
// custom sections of the crashed module.
type InlineSource struct {
	Sections map[string][]byte
}

func (InlineSource) Kind() string { return coretriage.SourceInline }
func (InlineSource) debugSource() {}

// ReferenceSource is debug information that was split out of the crashed
// module, and stored beforehand under a key derived from the module's build
// id.
type ReferenceSource struct {
	ModuleID uuid.UUID
}

func (ReferenceSource) Kind() string { return coretriage.SourceReference }
func (ReferenceSource) debugSource() {}

// Key of the debug module in the object store.
func (s ReferenceSource) Key() string {
	return debugInfoKey(s.ModuleID)
}

func debugInfoKey(id uuid.UUID) string {
	return "debug-" + id.String() + ".wasm"
}

// decodeDebugSource picks the debug source of a submission: the presence of
// a build_id section means the debug information must be fetched, otherwise
// every debug section must have been sent.
func decodeDebugSource(f form) (DebugSource, error) {
	ids, err := f.Files(coretriage.FieldBuildID)
	if err != nil {
		return nil, err
	}

	if len(ids) != 0 {
		id, err := wasmx.ParseBuildID(ids[0])
		if err != nil {
			return nil, &MalformedIdentifierError{Err: err}
		}
		return ReferenceSource{ModuleID: id}, nil
	}

	sections := make(map[string][]byte, len(coretriage.DebugSections))
	for _, name := range coretriage.DebugSections {
		raw, err := f.File(coretriage.SectionField(name))
		var missing *MissingFieldError
		if errors.As(err, &missing) {
			return nil, &MissingSectionError{Section: name}
		}
		if err != nil {
			return nil, err
		}
		sections[name] = raw
	}
	return InlineSource{Sections: sections}, nil
}

// DebugArtifact is the debug information resolved from a DebugSource, ready
// to be handed to the symbolizer.
type DebugArtifact interface {
	open(e symbolizer.Engine, coredump []byte) (symbolizer.Stacker, error)
}

type inlineArtifact map[string][]byte

func (a inlineArtifact) open(e symbolizer.Engine, coredump []byte) (symbolizer.Stacker, error) {
	return e.FromDumpAndSections(coredump, a)
}

type moduleArtifact []byte

func (a moduleArtifact) open(e symbolizer.Engine, coredump []byte) (symbolizer.Stacker, error) {
	return e.FromDumpAndModule(coredump, a)
}

// resolveDebugSource returns the debug information designated by src,
// fetching it from the store if needed. The key of a fetched debug module is
// recorded in the debuginfo tag.
func resolveDebugSource(ctx context.Context, src DebugSource, store Store, tags map[string]string) (DebugArtifact, error) {
	switch s := src.(type) {
	case InlineSource:
		return inlineArtifact(s.Sections), nil

	case ReferenceSource:
		if store == nil {
			return nil, ErrStorageUnavailable
		}

		key := s.Key()
		raw, err := store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) || (err == nil && len(raw) == 0) {
			return nil, &DebugArtifactMissingError{ModuleID: s.ModuleID, Key: key}
		}
		if err != nil {
			return nil, &StorageIOError{Key: key, Err: err}
		}

		tags["debuginfo"] = key
		return moduleArtifact(raw), nil

	default:
		panic(fmt.Sprintf("unknown debug source %T", src))
	}
}
