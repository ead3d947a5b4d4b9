// Package recording writes serial console traffic as asciicast v2 files, so
// a build can be replayed with asciinema.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// Recorder writes one asciicast v2 stream. It implements the serial session
// observer, so write errors are kept and reported by Err and Close instead
// of being returned per event.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	w         io.WriteCloser
	path      string
	startTime time.Time
	clock     ports.Clock
	closed    bool
	err       error
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// New starts a recording on w with the given title and terminal size.
func New(w io.WriteCloser, title string, width, height int, clock ports.Clock) (*Recorder, error) {
	r := &Recorder{w: w, startTime: clock.Now(), clock: clock}

	header := Header{
		Version:   2,
		Width:     width,
		Height:    height,
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "vt100"},
	}
	b, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Create starts a recording in a new file <dir>/<name>_<timestamp>.cast.
func Create(dir, name string, width, height int, clock ports.Clock) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.cast", name, clock.Now().Format("20060102_150405"))
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r, err := New(f, name, 80, 24, clock)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.path = path
	return r, nil
}

// Output records guest output.
func (r *Recorder) Output(data []byte) {
	r.record("o", string(data))
}

// Input records keystrokes sent to the guest. Secret input is replaced by
// asterisks of the same length, line endings kept.
func (r *Recorder) Input(data []byte, secret bool) {
	s := string(data)
	if secret {
		body := strings.TrimRight(s, "\r\n")
		s = strings.Repeat("*", len([]rune(body))) + s[len(body):]
	}
	r.record("i", s)
}

func (r *Recorder) record(eventType, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		return
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	b, err := json.Marshal(event)
	if err != nil {
		r.err = fmt.Errorf("marshal event: %w", err)
		return
	}
	if _, err := r.w.Write(append(b, '\n')); err != nil {
		r.err = fmt.Errorf("write event: %w", err)
	}
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the underlying writer and returns the first error seen.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.err
	}
	r.closed = true

	if err := r.w.Close(); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

// Path returns the file path of a recording made with Create.
func (r *Recorder) Path() string {
	return r.path
}
