package filesystem

import (
	"path/filepath"
	"sync"

	"github.com/deviceflux/deviceflux/pkg/errors"
)

// poisonTracker counts how many times each original path has been rolled
// back. The rollback that brings a path's count to MaxCount diverts the
// file into a POISON subdirectory instead of restoring it, so a message
// that can never be processed successfully stops being retried forever.
//
// This is scoped to a device manager instance rather than kept as a
// process-global (as in the Python original's class-level dict) so that two
// independently-configured managers in the same process don't share poison
// counts for paths that happen to collide.
type poisonTracker struct {
	mu       sync.Mutex
	counts   map[string]int
	MaxCount int
}

func newPoisonTracker(maxCount int) *poisonTracker {
	if maxCount <= 0 {
		maxCount = 3
	}
	return &poisonTracker{counts: make(map[string]int), MaxCount: maxCount}
}

// recordRollback increments orgPath's poison count and reports whether it
// has now reached MaxCount (in which case the caller should divert rather
// than restore).
func (p *poisonTracker) recordRollback(orgPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[orgPath]++
	if p.counts[orgPath] >= p.MaxCount {
		delete(p.counts, orgPath)
		return true
	}
	return false
}

func (p *poisonTracker) clear(orgPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, orgPath)
}

// poisonPath returns a destination path under a POISON subdirectory next
// to orgPath, creating that subdirectory if necessary.
func poisonPath(orgPath string, mkdirAll func(string) error) (string, error) {
	dir := filepath.Dir(orgPath)
	poisonDir := filepath.Join(dir, "POISON")
	if err := mkdirAll(poisonDir); err != nil {
		return "", errors.Internal("failed to create POISON directory", err)
	}
	return filepath.Join(poisonDir, randomID()+"-"+filepath.Base(orgPath)), nil
}
