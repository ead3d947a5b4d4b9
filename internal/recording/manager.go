package recording

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// Manager keeps one recorder per console of a run, e.g. "serial" and
// "monitor".
type Manager struct {
	mu        sync.Mutex
	recorders map[string]*Recorder
	dir       string
	prefix    string
	enabled   bool
	clock     ports.Clock
}

// NewManager creates a manager writing below dir. File names start with
// prefix, typically the run ID.
func NewManager(dir, prefix string, enabled bool, clock ports.Clock) *Manager {
	return &Manager{
		recorders: make(map[string]*Recorder),
		dir:       dir,
		prefix:    prefix,
		enabled:   enabled,
		clock:     clock,
	}
}

// Start creates the recorder for console name. It returns nil, nil when
// recording is disabled, so the result can be handed to a session directly
// after a nil check.
func (m *Manager) Start(name string) (*Recorder, error) {
	if !m.enabled {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.recorders[name]; ok {
		_ = existing.Close()
	}

	r, err := Create(m.dir, m.prefix+"_"+name, 80, 24, m.clock)
	if err != nil {
		return nil, err
	}
	m.recorders[name] = r
	slog.Info("recording console", slog.String("console", name), slog.String("path", r.Path()))
	return r, nil
}

// Paths returns the files of all active recordings by console name.
func (m *Manager) Paths() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.recorders))
	for name, r := range m.recorders {
		out[name] = r.Path()
	}
	return out
}

// CloseAll closes every recorder and returns their errors joined.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, r := range m.recorders {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.recorders, name)
	}
	return errors.Join(errs...)
}

// IsEnabled returns whether recording is enabled.
func (m *Manager) IsEnabled() bool {
	return m.enabled
}
