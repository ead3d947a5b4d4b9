// Package fakerand provides a predictable Random implementation for testing.
package fakerand

import (
	"errors"
	"sync"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// ErrExhausted is returned by a Random configured to fail.
var ErrExhausted = errors.New("fakerand: entropy unavailable")

// Random cycles through a fixed byte sequence.
type Random struct {
	mu       sync.Mutex
	sequence []byte
	offset   int
	reads    int
	fail     bool
}

// New creates a Random cycling through sequence, or through 0..255 when
// sequence is nil.
func New(sequence []byte) *Random {
	if len(sequence) == 0 {
		sequence = make([]byte, 256)
		for i := range sequence {
			sequence[i] = byte(i)
		}
	}
	return &Random{sequence: sequence}
}

// NewSequential creates a fake random that returns 0, 1, 2, ..., 255, 0, 1, ...
func NewSequential() *Random {
	return New(nil)
}

// NewFixed creates a fake random that always repeats b.
func NewFixed(b []byte) *Random {
	return New(b)
}

// NewFailing creates a Random whose every Read fails.
func NewFailing() *Random {
	r := New(nil)
	r.fail = true
	return r
}

// Read fills b from the sequence.
func (r *Random) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reads++
	if r.fail {
		return 0, ErrExhausted
	}
	for i := range b {
		b[i] = r.sequence[r.offset%len(r.sequence)]
		r.offset++
	}
	return len(b), nil
}

// Reads returns how many times Read was called.
func (r *Random) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

// Reset rewinds to the beginning of the sequence.
func (r *Random) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset = 0
}

var _ ports.Random = (*Random)(nil)
