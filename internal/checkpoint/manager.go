package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	LatestName = "checkpoint.arrow"
	BestName   = "BEST_" + LatestName
)

// Manager owns the snapshot files inside one directory. The latest snapshot
// is replaced every epoch; the best snapshot only when validation improves.
type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	if dir == "" {
		dir = "."
	}
	return &Manager{dir: dir}
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) LatestPath() string { return filepath.Join(m.dir, LatestName) }

func (m *Manager) BestPath() string { return filepath.Join(m.dir, BestName) }

// SaveLatest replaces the crash-resume snapshot. Failures wrap ErrResource;
// the previous file stays intact.
func (m *Manager) SaveLatest(s *State) error {
	return m.write(m.LatestPath(), s, false)
}

// SaveBest replaces the snapshot inference code loads.
func (m *Manager) SaveBest(s *State) error {
	return m.write(m.BestPath(), s, true)
}

func (m *Manager) write(path string, s *State, best bool) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrResource, err)
	}
	snap := *s
	snap.Best = best
	return Write(path, &snap)
}
