// Package symbolizer turns a WebAssembly coredump into a call stack using the
// module's debug information.
package symbolizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/wasmx"
)

// Engine builds Stackers from a coredump and its debug information, given
// either as a whole debug module or as a set of custom sections.
type Engine interface {
	FromDumpAndModule(coredump, module []byte) (Stacker, error)
	FromDumpAndSections(coredump []byte, sections map[string][]byte) (Stacker, error)
}

// Stacker reconstructs the call stack of a coredump. Frames are returned
// outermost first, the crashing function being the last one.
type Stacker interface {
	Stack(ctx context.Context) ([]coretriage.Frame, error)
}

// DefaultCommand is the command line used to symbolize coredumps when none
// is configured.
const DefaultCommand = "wasm-coredump-to-stack --json {{ .Core }} {{ .Debug }}"

// Command is an Engine running an external program. The command line is a
// template receiving the paths of the coredump (.Core) and of the debug
// module (.Debug), along with their directory (.Dir). The program must print
// a JSON array of frames on its standard output.
type Command struct {
	tpl *template.Template
	dir string
}

var _ Engine = new(Command)

// NewCommand parses the command template. Temporary files are created in
// dir, or in the default temporary directory if dir is empty.
func NewCommand(src, dir string) (*Command, error) {
	src = strings.TrimSpace(src)
	if len(src) == 0 {
		return nil, errors.New(`empty symbolizer command`)
	}

	tpl, err := template.New("symbolizer").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf(`parsing symbolizer command: %w`, err)
	}

	return &Command{tpl: tpl, dir: dir}, nil
}

func (c *Command) FromDumpAndModule(coredump, module []byte) (Stacker, error) {
	if !wasmx.HasMagic(coredump) {
		return nil, errors.New(`coredump isn't a wasm module`)
	}
	if !wasmx.HasMagic(module) {
		return nil, errors.New(`debug module isn't a wasm module`)
	}
	return &commandStacker{cmd: c, core: coredump, debug: module}, nil
}

func (c *Command) FromDumpAndSections(coredump []byte, sections map[string][]byte) (Stacker, error) {
	if len(sections) == 0 {
		return nil, errors.New(`no debug section`)
	}
	return c.FromDumpAndModule(coredump, wasmx.BuildModule(sections))
}

type commandStacker struct {
	cmd   *Command
	core  []byte
	debug []byte
}

func (s *commandStacker) Stack(ctx context.Context) (frames []coretriage.Frame, err error) {
	dir, err := os.MkdirTemp(s.cmd.dir, "coretriage-")
	if err != nil {
		return nil, fmt.Errorf(`creating work directory: %w`, err)
	}
	defer os.RemoveAll(dir)

	args := map[string]string{
		"Core":  filepath.Join(dir, "core.wasm"),
		"Debug": filepath.Join(dir, "debug.wasm"),
		"Dir":   dir,
	}

	err = os.WriteFile(args["Core"], s.core, 0600)
	if err != nil {
		return nil, fmt.Errorf(`writing coredump: %w`, err)
	}

	err = os.WriteFile(args["Debug"], s.debug, 0600)
	if err != nil {
		return nil, fmt.Errorf(`writing debug module: %w`, err)
	}

	var line bytes.Buffer
	err = s.cmd.tpl.Execute(&line, args)
	if err != nil {
		return nil, fmt.Errorf(`building command line: %w`, err)
	}

	argv := strings.Fields(line.String())
	if len(argv) == 0 {
		return nil, errors.New(`empty command line`)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		return nil, fmt.Errorf(`running %s: %w: %s`, argv[0], err, strings.TrimSpace(stderr.String()))
	}

	err = json.Unmarshal(stdout.Bytes(), &frames)
	if err != nil {
		return nil, fmt.Errorf(`parsing %s output: %w`, argv[0], err)
	}

	return frames, nil
}
