package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	image := filepath.Join(t.TempDir(), "freebsd.img")

	l := ForImage(image)
	if err := l.Acquire("run-1"); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !l.Locked() {
		t.Error("Locked() = false after Acquire")
	}
	if l.Path() != image+".lock" {
		t.Errorf("Path() = %q", l.Path())
	}

	info, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if info.PID != os.Getpid() || info.RunID != "run-1" {
		t.Errorf("Read() = %+v", info)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if l.Locked() {
		t.Error("Locked() = true after Release")
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error: %v", err)
	}
}

func TestAcquire_Contended(t *testing.T) {
	image := filepath.Join(t.TempDir(), "freebsd.img")

	first := ForImage(image)
	if err := first.Acquire("run-1"); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	second := ForImage(image)
	err := second.Acquire("run-2")
	if !errors.Is(err, ErrImageLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrImageLocked", err)
	}
	if !strings.Contains(err.Error(), "run-1") {
		t.Errorf("error %q should name the holder", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := second.Acquire("run-2"); err != nil {
		t.Errorf("Acquire() after release error: %v", err)
	}
	_ = second.Release()
}
