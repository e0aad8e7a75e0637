package filesystem

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deviceflux/deviceflux/pkg/logger"
)

// transactionLog persists the set of in-flight (tmpPath -> orgPath) moves
// to a JSON file, so a crashed process's in-flight reads can be rolled back
// by whichever process notices the stale journal first. The journal is
// rewritten on every add/remove; a background goroutine additionally scans
// for OTHER processes' stale journals and replays their rollback.
type transactionLog struct {
	mu           sync.Mutex
	filepath     string
	transactions map[string]string // tmp path -> org path
	rollback     func(tmpPath, orgPath string)
}

func newTransactionLog(path string, rollback func(tmpPath, orgPath string)) *transactionLog {
	t := &transactionLog{filepath: path, transactions: make(map[string]string), rollback: rollback}
	t.load()
	return t
}

func (t *transactionLog) load() {
	data, err := os.ReadFile(t.filepath)
	if err != nil {
		return
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	t.transactions = m
}

func (t *transactionLog) add(tmpPath, orgPath string) {
	t.mu.Lock()
	t.transactions[tmpPath] = orgPath
	t.mu.Unlock()
	t.writeLog()
}

func (t *transactionLog) remove(tmpPath string) {
	t.mu.Lock()
	delete(t.transactions, tmpPath)
	t.mu.Unlock()
	t.writeLog()
}

func (t *transactionLog) writeLog() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.transactions) == 0 {
		os.Remove(t.filepath)
		return
	}
	data, err := json.Marshal(t.transactions)
	if err != nil {
		logger.L().Warn("failed to encode transaction log", "error", err)
		return
	}
	if err := os.WriteFile(t.filepath, data, 0o644); err != nil {
		logger.L().Warn("failed to write transaction log", "path", t.filepath, "error", err)
	}
}

// rollbackAll replays a rollback for every tracked in-flight move, then
// clears the journal. Used both at clean shutdown and when recovering a
// stale journal left behind by a crashed process.
func (t *transactionLog) rollbackAll() {
	t.mu.Lock()
	txs := t.transactions
	t.transactions = make(map[string]string)
	t.mu.Unlock()

	for tmpPath, orgPath := range txs {
		t.rollback(tmpPath, orgPath)
	}
	t.writeLog()
}

// staleJournalScanInterval governs both how often a manager flushes its own
// journal and how often it looks for other processes' abandoned journals.
const staleJournalScanInterval = 10 * time.Second

// staleJournalAgeMultiple is how many scan intervals must pass (measured by
// file mtime) before a journal is considered abandoned rather than just
// belonging to another, still-live process.
const staleJournalAgeMultiple = 3

// recoverStaleJournals scans bookkeepingDir for *.transactionlog files
// older than staleJournalAgeMultiple*interval and replays their rollback,
// skipping ownLogPath (the caller's own, live journal).
func recoverStaleJournals(bookkeepingDir, ownLogPath string, interval time.Duration, rollback func(tmpPath, orgPath string)) {
	entries, err := os.ReadDir(bookkeepingDir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(bookkeepingDir, e.Name())
		if path == ownLogPath || filepath.Ext(path) != ".transactionlog" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < interval*staleJournalAgeMultiple {
			continue
		}

		claimed := path + ".rolling_back"
		if err := os.Rename(path, claimed); err != nil {
			continue // another process claimed it first
		}

		func() {
			defer os.Remove(claimed)
			log := newTransactionLog(claimed, rollback)
			log.rollbackAll()
		}()
	}
}
