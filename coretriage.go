package coretriage

import (
	"time"
)

// Frame is a single entry of a reconstructed call stack.
type Frame struct {
	// Name of the function the frame is executing.
	Function string `json:"function"`
	// Source file of the function, as recorded in the debug information.
	File string `json:"file"`
	// Line in the source file.
	Line uint32 `json:"line"`
}

// Incident as indexed by the server once a coredump has been triaged.
type Incident struct {
	Date      time.Time         `json:"date"`
	DebugInfo string            `json:"debuginfo"`
	EventID   string            `json:"event_id"`
	Key       string            `json:"key"`
	Reported  bool              `json:"reported"`
	Source    string            `json:"source"`
	Tags      map[string]string `json:"tags"`
	Trace     string            `json:"trace"`
}

// SubmissionResult is the payload returned to the submitter of a coredump.
type SubmissionResult struct {
	Key string `json:"key"`
}

// SearchResult is the payload returned by the incident search.
type SearchResult struct {
	Results []Incident `json:"results"`
	Total   uint64     `json:"total"`
}

// Error type for API return values.
type Error struct {
	Err string `json:"error"`
}

// Multipart field names of a coredump submission.
const (
	FieldRequest  = "request"
	FieldCoredump = "coredump"
	FieldBuildID  = "build_id-section"
)

// DebugSections is the set of custom sections a submitter must send when the
// debug information is kept inside the crashed module.
var DebugSections = []string{
	"name",
	".debug_info",
	".debug_pubtypes",
	".debug_loc",
	".debug_ranges",
	".debug_abbrev",
	".debug_line",
	".debug_str",
	".debug_pubnames",
}

// SectionField returns the multipart field name carrying the given section.
func SectionField(section string) string {
	return section + "-section"
}

// Sources of debug information.
const (
	SourceInline    = "inline"
	SourceReference = "reference"
)
