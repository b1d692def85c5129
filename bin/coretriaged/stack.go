package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/elwinar/coretriage"
)

// displayOrder returns the frames in the order they are printed. The
// symbolizer yields frames outermost first, traces show the crashing
// function first.
func displayOrder(frames []coretriage.Frame) []coretriage.Frame {
	out := make([]coretriage.Frame, len(frames))
	for i, f := range frames {
		out[len(frames)-1-i] = f
	}
	return out
}

// formatTrace renders the frames as a human-readable trace.
func formatTrace(frames []coretriage.Frame) string {
	var buf strings.Builder
	buf.WriteString("Error: Wasm trapped.\n")
	for _, f := range displayOrder(frames) {
		fmt.Fprintf(&buf, "    at %s (%s:%d)\n", f.Function, f.File, f.Line)
	}
	return buf.String()
}

// archiveKey returns the key a coredump received at t is archived under.
// Two coredumps received during the same millisecond share a key, the last
// one written wins.
func archiveKey(t time.Time) string {
	return fmt.Sprintf("coredump.%d", t.UnixNano()/int64(time.Millisecond))
}
