package symbolizer

import (
	"context"
	"testing"

	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/wasmx"
	"github.com/google/go-cmp/cmp"
)

var (
	core   = wasmx.BuildModule(map[string][]byte{"core": []byte("memory")})
	module = wasmx.BuildModule(map[string][]byte{".debug_info": []byte("info")})
)

func TestNewCommand(t *testing.T) {
	for n, src := range map[string]string{
		"empty":      "",
		"blank":      "   ",
		"bad syntax": "cat {{ .Core",
	} {
		t.Run(n, func(t *testing.T) {
			_, err := NewCommand(src, "")
			if err == nil {
				t.Errorf(`NewCommand(%q): expected an error`, src)
			}
		})
	}
}

func TestCommand_Stack(t *testing.T) {
	cmd, err := NewCommand("cat testdata/frames.json", t.TempDir())
	if err != nil {
		t.Fatalf(`NewCommand(): unexpected error %s`, err)
	}

	stacker, err := cmd.FromDumpAndModule(core, module)
	if err != nil {
		t.Fatalf(`FromDumpAndModule(): unexpected error %s`, err)
	}

	got, err := stacker.Stack(context.Background())
	if err != nil {
		t.Fatalf(`Stack(): unexpected error %s`, err)
	}

	want := []coretriage.Frame{
		{Function: "__main_void", File: "/rustc/library/std/src/rt.rs", Line: 145},
		{Function: "fetch", File: "src/lib.rs", Line: 14},
		{Function: "process_thing", File: "src/lib.rs", Line: 27},
		{Function: "calculate", File: "src/lib.rs", Line: 33},
	}
	if !cmp.Equal(want, got) {
		t.Errorf(`Stack(): unexpected result`)
		t.Log(cmp.Diff(want, got))
	}
}

func TestCommand_StackFailures(t *testing.T) {
	for n, src := range map[string]string{
		"failing command": "false",
		"invalid output":  "cat {{ .Core }}",
		"unknown field":   "cat {{ .Executable }}",
		"missing binary":  "coretriage-no-such-symbolizer {{ .Core }}",
	} {
		t.Run(n, func(t *testing.T) {
			cmd, err := NewCommand(src, t.TempDir())
			if err != nil {
				t.Fatalf(`NewCommand(%q): unexpected error %s`, src, err)
			}

			stacker, err := cmd.FromDumpAndModule(core, module)
			if err != nil {
				t.Fatalf(`FromDumpAndModule(): unexpected error %s`, err)
			}

			_, err = stacker.Stack(context.Background())
			if err == nil {
				t.Errorf(`Stack() with %q: expected an error`, src)
			}
		})
	}
}

func TestCommand_FromDumpAndSections(t *testing.T) {
	cmd, err := NewCommand(DefaultCommand, "")
	if err != nil {
		t.Fatalf(`NewCommand(): unexpected error %s`, err)
	}

	sections := map[string][]byte{
		"name":        []byte("names"),
		".debug_line": []byte("lines"),
	}

	stacker, err := cmd.FromDumpAndSections(core, sections)
	if err != nil {
		t.Fatalf(`FromDumpAndSections(): unexpected error %s`, err)
	}

	got := stacker.(*commandStacker).debug
	parsed, err := wasmx.CustomSections(got)
	if err != nil {
		t.Fatalf(`debug module isn't parseable: %s`, err)
	}

	want := map[string][][]byte{
		"name":        {[]byte("names")},
		".debug_line": {[]byte("lines")},
	}
	if !cmp.Equal(want, parsed) {
		t.Errorf(`FromDumpAndSections(): unexpected debug module`)
		t.Log(cmp.Diff(want, parsed))
	}

	_, err = cmd.FromDumpAndSections(core, nil)
	if err == nil {
		t.Errorf(`FromDumpAndSections(): expected an error without sections`)
	}
}

func TestCommand_FromDumpAndModule_Invalid(t *testing.T) {
	cmd, err := NewCommand(DefaultCommand, "")
	if err != nil {
		t.Fatalf(`NewCommand(): unexpected error %s`, err)
	}

	_, err = cmd.FromDumpAndModule([]byte("not a coredump"), module)
	if err == nil {
		t.Errorf(`FromDumpAndModule(): expected an error for an invalid coredump`)
	}

	_, err = cmd.FromDumpAndModule(core, []byte("not a module"))
	if err == nil {
		t.Errorf(`FromDumpAndModule(): expected an error for an invalid module`)
	}
}
