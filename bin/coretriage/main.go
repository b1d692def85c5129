package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/conf"
	"github.com/elwinar/coretriage/pkg/wasmx"
	"github.com/inconshreveable/log15"
)

var (
	Version = "N/C"
	BuiltAt = "N/C"
	Commit  = "N/C"
)

func main() {
	var f forwarder
	f.configure()

	err := f.init()
	if err != nil {
		f.logger.Crit("initializing", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	err = f.run(ctx)
	if err != nil {
		f.logger.Crit("forwarding", "err", err)
		os.Exit(1)
	}
}

// forwarder sends a coredump and the debug information of the crashed
// module to a coretriaged server.
type forwarder struct {
	dest         string
	core         string
	module       string
	request      string
	upload       string
	timeout      time.Duration
	printVersion bool

	logger log15.Logger
	client *http.Client
}

func (f *forwarder) configure() {
	fs := flag.NewFlagSet("coretriage-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of coretriage: coretriage [options]")
		fs.PrintDefaults()
	}
	fs.StringVar(&f.dest, "dest", "http://localhost:1106", "base url of the coretriaged server")
	fs.StringVar(&f.core, "core", "", "path of the coredump to send")
	fs.StringVar(&f.module, "module", "", "path of the crashed module")
	fs.StringVar(&f.request, "request", "", "path of a JSON file describing the request being served during the crash")
	fs.StringVar(&f.upload, "upload", "", "path of the debug module split out of the crashed module, uploaded if the server doesn't have it")
	fs.DurationVar(&f.timeout, "timeout", 1*time.Minute, "timeout of the whole forwarding")
	fs.BoolVar(&f.printVersion, "version", false, "print the version of coretriage")
	fs.String("conf", "/etc/coretriage/coretriage.conf", "configuration file to load")
	conf.Parse(fs, "conf", "CORETRIAGE_")
}

func (f *forwarder) init() error {
	if f.printVersion {
		fmt.Println("coretriage", Version, Commit, BuiltAt)
		os.Exit(0)
	}

	f.logger = log15.New()
	f.logger.SetHandler(log15.StreamHandler(os.Stderr, log15.LogfmtFormat()))

	f.client = &http.Client{}
	f.dest = strings.TrimSuffix(f.dest, "/")

	if len(f.core) == 0 {
		return errors.New(`no coredump given`)
	}
	if len(f.module) == 0 {
		return errors.New(`no module given`)
	}
	return nil
}

func (f *forwarder) run(ctx context.Context) error {
	core, err := os.ReadFile(f.core)
	if err != nil {
		return wrap(err, `reading coredump`)
	}

	module, err := os.ReadFile(f.module)
	if err != nil {
		return wrap(err, `reading module`)
	}

	request := []byte(`{}`)
	if len(f.request) != 0 {
		request, err = os.ReadFile(f.request)
		if err != nil {
			return wrap(err, `reading request`)
		}
	}

	sub, err := newSubmission(core, module, request)
	if err != nil {
		return err
	}

	if len(f.upload) != 0 {
		err = f.uploadDebugInfo(ctx, module)
		if err != nil {
			return err
		}
	}

	key, err := f.send(ctx, sub)
	if err != nil {
		return err
	}

	f.logger.Info("sent coredump", "dest", f.dest, "key", key, "size", len(core))
	return nil
}

// submission is the content of a coredump submission: the files are keyed
// by field name, and may be repeated.
type submission struct {
	request string
	files   []file
}

type file struct {
	field   string
	content []byte
}

// newSubmission prepares the submission of a coredump. The build_id section
// of the module, if any, means its debug information was split out and the
// server can fetch it; otherwise the debug sections are sent along.
func newSubmission(core, module, request []byte) (submission, error) {
	var s submission

	if !wasmx.HasMagic(core) {
		return s, errors.New(`no coredump found: missing wasm header`)
	}

	if !json.Valid(request) {
		return s, errors.New(`request isn't valid JSON`)
	}
	s.request = string(request)

	sections, err := wasmx.CustomSections(module)
	if err != nil {
		return s, wrap(err, `reading module sections`)
	}

	s.files = append(s.files, file{field: coretriage.FieldCoredump, content: core})

	if ids := sections[wasmx.BuildIDSection]; len(ids) != 0 {
		for _, id := range ids {
			s.files = append(s.files, file{field: coretriage.FieldBuildID, content: id})
		}
		return s, nil
	}

	for _, name := range coretriage.DebugSections {
		for _, content := range sections[name] {
			s.files = append(s.files, file{field: coretriage.SectionField(name), content: content})
		}
	}
	return s, nil
}

// encode writes the submission as a multipart form.
func (s submission) encode() (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	err := w.WriteField(coretriage.FieldRequest, s.request)
	if err != nil {
		return nil, "", wrap(err, `writing request`)
	}

	for _, f := range s.files {
		part, err := w.CreateFormFile(f.field, "blob")
		if err != nil {
			return nil, "", wrap(err, `creating %s`, f.field)
		}
		_, err = part.Write(f.content)
		if err != nil {
			return nil, "", wrap(err, `writing %s`, f.field)
		}
	}

	err = w.Close()
	if err != nil {
		return nil, "", wrap(err, `closing form`)
	}
	return &body, w.FormDataContentType(), nil
}

// send posts the submission and returns the archive key of the coredump.
func (f *forwarder) send(ctx context.Context, s submission) (string, error) {
	body, contentType, err := s.encode()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.dest+"/coredumps", body)
	if err != nil {
		return "", wrap(err, `building request`)
	}
	req.Header.Set("Content-Type", contentType)

	res, err := f.client.Do(req)
	if err != nil {
		return "", wrap(err, `sending coredump`)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", responseError(res)
	}

	var result coretriage.SubmissionResult
	err = json.NewDecoder(res.Body).Decode(&result)
	if err != nil {
		return "", wrap(err, `reading response`)
	}
	return result.Key, nil
}

// uploadDebugInfo sends the debug module split out of module, unless the
// server already has it.
func (f *forwarder) uploadDebugInfo(ctx context.Context, module []byte) error {
	sections, err := wasmx.CustomSections(module)
	if err != nil {
		return wrap(err, `reading module sections`)
	}

	ids := sections[wasmx.BuildIDSection]
	if len(ids) == 0 {
		return errors.New(`module has no build_id section, its debug information can't be referenced`)
	}

	id, err := wasmx.ParseBuildID(ids[0])
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/debuginfo/%s", f.dest, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return wrap(err, `building lookup request`)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return wrap(err, `looking up debug information`)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		f.logger.Debug("debug information already uploaded", "build_id", id)
		return nil
	case http.StatusNotFound:
		break
	default:
		return fmt.Errorf(`looking up debug information: unexpected status %d`, res.StatusCode)
	}

	debug, err := os.ReadFile(f.upload)
	if err != nil {
		return wrap(err, `reading debug module`)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(debug))
	if err != nil {
		return wrap(err, `building upload request`)
	}

	res, err = f.client.Do(req)
	if err != nil {
		return wrap(err, `uploading debug information`)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		return responseError(res)
	}

	f.logger.Info("uploaded debug information", "build_id", id, "size", len(debug))
	return nil
}

// responseError reads the error returned by the server.
func responseError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))

	var e coretriage.Error
	if json.Unmarshal(raw, &e) == nil && len(e.Err) != 0 {
		return fmt.Errorf(`server answered %d: %s`, res.StatusCode, e.Err)
	}
	return fmt.Errorf(`server answered %d: %s`, res.StatusCode, strings.TrimSpace(string(raw)))
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
