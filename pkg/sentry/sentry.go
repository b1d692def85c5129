// Package sentry reports triaged coredumps to a Sentry-compatible backend
// using the store API.
package sentry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elwinar/coretriage"
	"github.com/google/uuid"
)

const (
	clientName = "coredump-service"
	platform   = "rust"
)

// Config of the Sentry backend. The backend sits behind an access proxy
// expecting a client id and secret on every request.
type Config struct {
	Host               string
	ProjectID          string
	APIKey             string
	AccessClientID     string
	AccessClientSecret string
}

// Enabled reports whether a backend is configured at all.
func (c Config) Enabled() bool {
	return len(c.Host) != 0
}

// URL of the store endpoint of the project.
func (c Config) URL() string {
	return fmt.Sprintf(
		"https://%s/api/%s/store/?sentry_version=7&sentry_client=%s&sentry_key=%s",
		c.Host,
		url.PathEscape(c.ProjectID),
		clientName,
		url.QueryEscape(c.APIKey),
	)
}

// Event is the payload sent to the store endpoint.
type Event struct {
	EventID   string            `json:"event_id"`
	Timestamp int64             `json:"timestamp"`
	Platform  string            `json:"platform"`
	Logger    string            `json:"logger"`
	Exception Exception         `json:"exception"`
	Request   json.RawMessage   `json:"request"`
	Level     string            `json:"level"`
	Tags      map[string]string `json:"tags"`
}

type Exception struct {
	Values []ExceptionValue `json:"values"`
}

type ExceptionValue struct {
	Type       string     `json:"type"`
	Value      string     `json:"value"`
	Stacktrace Stacktrace `json:"stacktrace"`
}

type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

type Frame struct {
	Filename string `json:"filename"`
	Function string `json:"function"`
	Lineno   uint32 `json:"lineno"`
	InApp    bool   `json:"in_app"`
}

// InApp reports whether a frame's file belongs to the crashed module's own
// code, as opposed to the standard library or absolute toolchain paths.
func InApp(path string) bool {
	return !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "library/")
}

// NewEvent builds the fatal event for a crashed module. Frames are expected
// outermost first, which is the order Sentry displays them in.
func NewEvent(id string, date time.Time, tags map[string]string, frames []coretriage.Frame, request json.RawMessage) Event {
	sf := make([]Frame, 0, len(frames))
	for _, f := range frames {
		sf = append(sf, Frame{
			Filename: f.File,
			Function: f.Function,
			Lineno:   f.Line,
			InApp:    InApp(f.File),
		})
	}

	return Event{
		EventID:   id,
		Timestamp: date.Unix(),
		Platform:  platform,
		Logger:    clientName,
		Exception: Exception{
			Values: []ExceptionValue{{
				Type:       "Error",
				Value:      "Wasm crashed",
				Stacktrace: Stacktrace{Frames: sf},
			}},
		},
		Request: request,
		Level:   "fatal",
		Tags:    tags,
	}
}

// StatusError is returned when the backend answers anything but a 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected sentry response %d: %s", e.StatusCode, e.Body)
}

// Client sends events to a Sentry project.
type Client struct {
	url          string
	clientID     string
	clientSecret string
	http         *http.Client

	now   func() time.Time
	newID func() string
}

// New returns a client for the configured backend. A nil http.Client means
// http.DefaultClient.
func New(cfg Config, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		url:          cfg.URL(),
		clientID:     cfg.AccessClientID,
		clientSecret: cfg.AccessClientSecret,
		http:         client,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// Report sends a fatal event for the given frames and returns its id.
func (c *Client) Report(ctx context.Context, tags map[string]string, frames []coretriage.Frame, request json.RawMessage) (string, error) {
	event := NewEvent(c.newID(), c.now(), tags, frames, request)
	return event.EventID, c.post(ctx, event)
}

func (c *Client) post(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf(`encoding event: %w`, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf(`building request: %w`, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cf-Access-Client-Id", c.clientID)
	req.Header.Set("Cf-Access-Client-Secret", c.clientSecret)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf(`sending event: %w`, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
		return &StatusError{StatusCode: res.StatusCode, Body: string(raw)}
	}

	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
