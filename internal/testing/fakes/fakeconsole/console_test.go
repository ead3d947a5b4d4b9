package fakeconsole

import (
	"errors"
	"testing"

	"github.com/acolita/webbsd-builder/internal/console"
)

func TestPort_EmitAfter(t *testing.T) {
	p := New().Emit("abc").EmitAfter(2, "MARKER")

	b, _ := p.TryRead()
	if string(b) != "abc" {
		t.Fatalf("poll 1 = %q, want %q", b, "abc")
	}
	b, _ = p.TryRead()
	if len(b) != 0 {
		t.Fatalf("poll 2 = %q, want nothing", b)
	}
	b, _ = p.TryRead()
	if string(b) != "MARKER" {
		t.Fatalf("poll 3 = %q, want %q", b, "MARKER")
	}
}

func TestPort_OnWriteResponder(t *testing.T) {
	p := New().OnWrite(func(p *Port, b []byte) {
		p.Emit("echo:" + string(b))
	})

	p.Write([]byte("hi"))
	b, _ := p.TryRead()
	if string(b) != "echo:hi" {
		t.Errorf("TryRead() = %q", b)
	}
	if p.Written() != "hi" {
		t.Errorf("Written() = %q", p.Written())
	}
}

func TestPort_FailAfter(t *testing.T) {
	boom := errors.New("boom")
	p := New().FailAfter(1, boom)

	if _, err := p.TryRead(); err != nil {
		t.Fatalf("poll 1 error: %v", err)
	}
	if _, err := p.TryRead(); !errors.Is(err, boom) {
		t.Fatalf("poll 2 error = %v, want boom", err)
	}
}

func TestPort_Closed(t *testing.T) {
	p := New()
	p.Close()

	if _, err := p.TryRead(); !errors.Is(err, console.ErrClosed) {
		t.Errorf("TryRead() error = %v", err)
	}
	if _, err := p.Write([]byte("x")); !errors.Is(err, console.ErrClosed) {
		t.Errorf("Write() error = %v", err)
	}
}
