package command

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/acolita/webbsd-builder/internal/ports"
)

const (
	markerPrefix = "__OK_"
	markerSuffix = "__"
)

// MarkerSource generates completion markers of the form
// __OK_<unix nanos>_<sequence>_<random hex>__. The sequence number makes
// markers from one source unique even when the clock does not advance; the
// timestamp and random part keep them apart from markers of earlier runs
// still visible on the console.
//
// A command whose own output contains the marker text completes early. The
// marker is long and run specific enough that this does not happen in
// practice, but nothing prevents it.
type MarkerSource struct {
	clock  ports.Clock
	random ports.Random

	mu  sync.Mutex
	seq uint64
}

// NewMarkerSource creates a marker source.
func NewMarkerSource(clock ports.Clock, random ports.Random) *MarkerSource {
	return &MarkerSource{clock: clock, random: random}
}

// Next returns a fresh marker.
func (m *MarkerSource) Next() string {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	b := make([]byte, 2)
	suffix := "0000"
	if _, err := m.random.Read(b); err == nil {
		suffix = hex.EncodeToString(b)
	}

	return fmt.Sprintf("%s%d_%d_%s%s", markerPrefix, m.clock.Now().UnixNano(), seq, suffix, markerSuffix)
}
