package fakeshell

import (
	"encoding/base64"
	"strings"
	"testing"
)

func drain(t *testing.T, s *Shell) string {
	t.Helper()
	out, err := s.Port().TryRead()
	if err != nil {
		t.Fatalf("TryRead() error: %v", err)
	}
	return string(out)
}

func TestShell_EchoAndExitStatus(t *testing.T) {
	s := New()
	s.Port().Write([]byte("false; echo done:$?\n"))

	got := drain(t, s)
	if got != "done:1\r\n# " {
		t.Errorf("output = %q, want %q", got, "done:1\r\n# ")
	}
}

func TestShell_AndStopsOnFailure(t *testing.T) {
	s := New()
	s.Port().Write([]byte("false && echo never\n"))

	if got := drain(t, s); strings.Contains(got, "never") {
		t.Errorf("output = %q, && should short-circuit", got)
	}
}

func TestShell_LocalEcho(t *testing.T) {
	s := New(WithEcho())
	s.Port().Write([]byte("echo hi\n"))

	got := drain(t, s)
	if got != "echo hi\r\nhi\r\n# " {
		t.Errorf("output = %q", got)
	}
}

func TestShell_PartialWrites(t *testing.T) {
	s := New()
	s.Port().Write([]byte("echo par"))
	if got := drain(t, s); got != "" {
		t.Fatalf("output before newline = %q, want empty", got)
	}
	s.Port().Write([]byte("tial\n"))
	if got := drain(t, s); got != "partial\r\n# " {
		t.Errorf("output = %q", got)
	}
}

func TestShell_QuotedAppend(t *testing.T) {
	s := New()
	s.Port().Write([]byte(`echo 'it'\''s > not a redirect' >> /tmp/f` + "\n"))
	s.Port().Write([]byte("echo second >> /tmp/f\n"))
	drain(t, s)

	f, ok := s.File("/tmp/f")
	if !ok {
		t.Fatal("file /tmp/f not created")
	}
	want := "it's > not a redirect\nsecond\n"
	if string(f.Data) != want {
		t.Errorf("file = %q, want %q", f.Data, want)
	}
}

func TestShell_EchoOptions(t *testing.T) {
	s := New()
	s.Port().Write([]byte("echo '-n' >> /tmp/a\n"))
	s.Port().Write([]byte("echo -n -e x >> /tmp/b\n"))
	drain(t, s)

	if f, _ := s.File("/tmp/a"); string(f.Data) != "" {
		t.Errorf("echo -n wrote %q, want nothing", f.Data)
	}
	if f, _ := s.File("/tmp/b"); string(f.Data) != "x" {
		t.Errorf("echo -n -e x wrote %q", f.Data)
	}
}

func TestShell_Base64Pipeline(t *testing.T) {
	s := New()
	payload := []byte("binary\x00data\xff")
	enc := base64.StdEncoding.EncodeToString(payload)

	lines := []string{
		"printf '%s\\n' '" + enc + "' >> /tmp/x.b64",
		"b64decode -r /tmp/x.b64 > /bin/tool",
		"wc -c < /bin/tool",
		"rm -f /tmp/x.b64",
	}
	for _, l := range lines {
		s.Port().Write([]byte(l + "\n"))
	}
	out := drain(t, s)

	f, ok := s.File("/bin/tool")
	if !ok || string(f.Data) != string(payload) {
		t.Fatalf("decoded = %q, want %q", f.Data, payload)
	}
	if !strings.Contains(out, "      12") {
		t.Errorf("wc output missing from %q", out)
	}
	if _, ok := s.File("/tmp/x.b64"); ok {
		t.Error("temp file should have been removed")
	}
}

func TestShell_CorruptAppend(t *testing.T) {
	s := New()
	s.CorruptAppend("/tmp/f", 2)
	for _, l := range []string{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC"} {
		s.Port().Write([]byte("printf '%s\\n' '" + l + "' >> /tmp/f\n"))
	}

	f, _ := s.File("/tmp/f")
	if string(f.Data) != "AAAAAAAA\nBBBB\nCCCCCCCC\n" {
		t.Errorf("file = %q", f.Data)
	}
}

func TestShell_UnknownCommand(t *testing.T) {
	s := New()
	s.Port().Write([]byte("pkg install -y vim; echo rc=$?\n"))

	got := drain(t, s)
	if !strings.Contains(got, "pkg: not found") || !strings.Contains(got, "rc=127") {
		t.Errorf("output = %q", got)
	}
}

func TestShell_Handler(t *testing.T) {
	s := New()
	s.Handle("pkg", func(args []string, _ []byte) (string, int) {
		return "installed " + strings.Join(args[2:], ",") + "\n", 0
	})
	s.Port().Write([]byte("pkg install -y vim git\n"))

	if got := drain(t, s); !strings.Contains(got, "installed vim,git") {
		t.Errorf("output = %q", got)
	}
}

func TestShell_Latency(t *testing.T) {
	s := New(WithLatency(2))
	s.Port().Write([]byte("echo slow\n"))

	if got := drain(t, s); got != "" {
		t.Errorf("poll 1 = %q, want empty", got)
	}
	if got := drain(t, s); got != "" {
		t.Errorf("poll 2 = %q, want empty", got)
	}
	if got := drain(t, s); !strings.Contains(got, "slow") {
		t.Errorf("poll 3 = %q, want output", got)
	}
}

func TestShell_ChmodChown(t *testing.T) {
	s := New()
	s.PutFile("/usr/local/bin/x", []byte("#!/bin/sh\n"))
	s.Port().Write([]byte("chmod +x /usr/local/bin/x && chown user:user /usr/local/bin/x\n"))

	f, _ := s.File("/usr/local/bin/x")
	if !f.Executable || f.Owner != "user:user" {
		t.Errorf("file = %+v", f)
	}
	if h := s.History(); len(h) != 1 {
		t.Errorf("History() = %v", h)
	}
}
