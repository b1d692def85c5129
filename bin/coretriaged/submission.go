package main

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"

	"github.com/elwinar/coretriage"
)

// form gives access to the fields and files of a decoded submission.
type form interface {
	// Field returns the value of a text field, or a *MissingFieldError.
	Field(name string) (string, error)
	// File returns the content of the first file of that name, or a
	// *MissingFieldError.
	File(name string) ([]byte, error)
	// Files returns the content of every file of that name, possibly none.
	Files(name string) ([][]byte, error)
}

// multipartForm is the form of a multipart/form-data request.
type multipartForm struct {
	form *multipart.Form
}

func (f multipartForm) Field(name string) (string, error) {
	values := f.form.Value[name]
	if len(values) == 0 {
		return "", &MissingFieldError{Field: name}
	}
	return values[0], nil
}

func (f multipartForm) File(name string) ([]byte, error) {
	headers := f.form.File[name]
	if len(headers) == 0 {
		if len(f.form.Value[name]) != 0 {
			return nil, &ParseError{Field: name, Err: errors.New(`expected a file`)}
		}
		return nil, &MissingFieldError{Field: name}
	}
	return readFile(name, headers[0])
}

func (f multipartForm) Files(name string) ([][]byte, error) {
	if len(f.form.Value[name]) != 0 {
		return nil, &ParseError{Field: name, Err: errors.New(`expected a file`)}
	}

	var files [][]byte
	for _, h := range f.form.File[name] {
		raw, err := readFile(name, h)
		if err != nil {
			return nil, err
		}
		files = append(files, raw)
	}
	return files, nil
}

func readFile(name string, h *multipart.FileHeader) ([]byte, error) {
	file, err := h.Open()
	if err != nil {
		return nil, wrap(err, "opening file %s", name)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, wrap(err, "reading file %s", name)
	}
	return raw, nil
}

// Submission is a decoded coredump submission. The debug information it
// carries is left in the form for the resolver to pick.
type Submission struct {
	// Request that was being served when the module crashed. It is passed
	// to the reporting backend untouched.
	Request json.RawMessage
	// Coredump of the crashed module.
	Coredump []byte
}

// decodeSubmission reads the originating request and the coredump from the
// form.
func decodeSubmission(f form) (s Submission, err error) {
	request, err := f.Field(coretriage.FieldRequest)
	if err != nil {
		return s, err
	}

	err = json.Unmarshal([]byte(request), &s.Request)
	if err != nil {
		return s, &ParseError{Field: coretriage.FieldRequest, Err: err}
	}

	s.Coredump, err = f.File(coretriage.FieldCoredump)
	if err != nil {
		return s, err
	}

	return s, nil
}
