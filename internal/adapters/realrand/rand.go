// Package realrand backs ports.Random with crypto/rand.
package realrand

import (
	"crypto/rand"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// Source reads from the operating system's entropy pool.
type Source struct{}

var _ ports.Random = Source{}

// New returns a Source.
func New() Source { return Source{} }

func (Source) Read(b []byte) (int, error) { return rand.Read(b) }
