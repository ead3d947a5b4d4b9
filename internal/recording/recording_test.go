package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/acolita/webbsd-builder/internal/serial"
	"github.com/acolita/webbsd-builder/internal/testing/fakes/fakeclock"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type bufferCloser struct {
	bytes.Buffer
	closed bool
	fail   error
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	if b.fail != nil {
		return 0, b.fail
	}
	return b.Buffer.Write(p)
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

type parsedEvent struct {
	Time float64
	Type string
	Data string
}

func parse(t *testing.T, data string) (Header, []parsedEvent) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(data))

	var h Header
	if !sc.Scan() {
		t.Fatal("missing header")
	}
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}

	var events []parsedEvent
	for sc.Scan() {
		var raw []any
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil {
			t.Fatalf("unmarshal event %q: %v", sc.Text(), err)
		}
		if len(raw) != 3 {
			t.Fatalf("event has %d fields, want 3", len(raw))
		}
		events = append(events, parsedEvent{raw[0].(float64), raw[1].(string), raw[2].(string)})
	}
	return h, events
}

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"output", Event{Time: 1.5, Type: "o", Data: "login: "}, `[1.5,"o","login: "]`},
		{"input", Event{Time: 0, Type: "i", Data: "root\n"}, `[0,"i","root\n"]`},
		{"json special chars", Event{Time: 1, Type: "o", Data: `"q" \b`}, `[1,"o","\"q\" \\b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("MarshalJSON() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestRecorder_Events(t *testing.T) {
	clock := fakeclock.New(epoch)
	var buf bufferCloser

	r, err := New(&buf, "run-1", 80, 24, clock)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	r.Output([]byte("login: "))
	clock.Advance(1500 * time.Millisecond)
	r.Input([]byte("root\n"), false)
	r.Input([]byte("hunter2\n"), true)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	h, events := parse(t, buf.String())
	if h.Version != 2 || h.Width != 80 || h.Height != 24 || h.Title != "run-1" || h.Timestamp != epoch.Unix() {
		t.Errorf("header = %+v", h)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0] != (parsedEvent{0, "o", "login: "}) {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1] != (parsedEvent{1.5, "i", "root\n"}) {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Data != "*******\n" {
		t.Errorf("secret input recorded as %q", events[2].Data)
	}
	if !buf.closed {
		t.Error("writer not closed")
	}
}

func TestRecorder_AfterCloseIgnored(t *testing.T) {
	var buf bufferCloser
	r, _ := New(&buf, "x", 80, 24, fakeclock.New(epoch))
	_ = r.Close()
	before := buf.Len()

	r.Output([]byte("late"))
	if buf.Len() != before {
		t.Error("event written after Close")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestRecorder_WriteErrorKept(t *testing.T) {
	var buf bufferCloser
	r, _ := New(&buf, "x", 80, 24, fakeclock.New(epoch))

	boom := errors.New("disk full")
	buf.fail = boom
	r.Output([]byte("a"))
	r.Output([]byte("b"))

	if !errors.Is(r.Err(), boom) {
		t.Errorf("Err() = %v, want %v", r.Err(), boom)
	}
	if !errors.Is(r.Close(), boom) {
		t.Error("Close() should report the write error")
	}
}

func TestCreate(t *testing.T) {
	dir := t.TempDir() + "/nested/casts"
	r, err := Create(dir, "serial", 80, 24, fakeclock.New(epoch))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	r.Output([]byte("boot\n"))
	_ = r.Close()

	if !strings.HasSuffix(r.Path(), "serial_20240301_120000.cast") {
		t.Errorf("Path() = %q", r.Path())
	}
	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if _, events := parse(t, string(data)); len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}

	// O_EXCL: a second recording in the same second fails rather than
	// overwriting.
	if _, err := Create(dir, "serial", 80, 24, fakeclock.New(epoch)); err == nil {
		t.Error("Create() over an existing file should fail")
	}
}

func TestManager(t *testing.T) {
	m := NewManager(t.TempDir(), "run42", true, fakeclock.New(epoch))

	r, err := m.Start("serial")
	if err != nil || r == nil {
		t.Fatalf("Start() = %v, %v", r, err)
	}
	if _, err := m.Start("monitor"); err != nil {
		t.Fatalf("Start(monitor) error: %v", err)
	}

	paths := m.Paths()
	if len(paths) != 2 || !strings.Contains(paths["serial"], "run42_serial_") {
		t.Errorf("Paths() = %v", paths)
	}
	if err := m.CloseAll(); err != nil {
		t.Errorf("CloseAll() error: %v", err)
	}
	if len(m.Paths()) != 0 {
		t.Error("recorders left after CloseAll")
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(t.TempDir(), "run", false, fakeclock.New(epoch))
	r, err := m.Start("serial")
	if r != nil || err != nil {
		t.Errorf("Start() = %v, %v, want nil, nil", r, err)
	}
	if m.IsEnabled() {
		t.Error("IsEnabled() = true")
	}
}

var _ serial.Observer = (*Recorder)(nil)
