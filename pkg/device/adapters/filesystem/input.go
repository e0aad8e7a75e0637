package filesystem

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/logger"
	"github.com/deviceflux/deviceflux/pkg/message"
)

const (
	sleepBetweenBatches = 1 * time.Second

	// StatHeaderName carries the os.FileInfo of the file a message was
	// read from.
	StatHeaderName = "__STAT__"
	// FilenameHeaderName carries the basename of the file a message was
	// read from.
	FilenameHeaderName = "__FILENAME__"
)

// InputDevice reads messages from files dropped into <queuesFolder>/<name>.
// Two read orders are supported: FIFO (files sorted by mtime, always
// correct but requires a full directory scan each pass) and unsorted (a
// growing/shrinking batch read, cheaper under heavy load at the cost of
// possible starvation of old files — see SPEC_FULL.md §4.6).
type InputDevice struct {
	manager   *Manager
	name      string
	fifo      bool
	minAge    time.Duration
	inputDir  string

	batchSize int
}

func newInputDevice(m *Manager, name string) (*InputDevice, error) {
	dir := filepath.Join(m.queuesFolder, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Internal("failed to create input queue directory", err)
	}
	return &InputDevice{
		manager:   m,
		name:      name,
		fifo:      m.cfg.FIFO,
		minAge:    m.cfg.MinFileAge,
		inputDir:  dir,
		batchSize: m.cfg.MinBatchSize,
	}, nil
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	readFn := d.readSortedPass
	if !d.fifo {
		readFn = d.readUnsortedPass
	}

	for {
		result, err := readFn(withTransaction)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return device.WithDeviceNameHeader(d.name, result), nil
		}

		if timeout == 0 {
			return nil, nil
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepBetweenBatches):
		}

		if hasDeadline && !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// readSortedPass scans the input directory once, sorted by modification
// time (oldest first), and returns the first file it manages to claim.
func (d *InputDevice) readSortedPass(withTransaction bool) (*device.ReadResult, error) {
	entries, err := d.sortedEntries()
	if err != nil {
		return nil, errors.Internal("error reading filesystem queue directory", err)
	}
	for _, e := range entries {
		result, err := d.tryReadEntry(e, withTransaction)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

type dirEntryWithTime struct {
	entry os.DirEntry
	mtime time.Time
}

func (d *InputDevice) sortedEntries() ([]os.DirEntry, error) {
	raw, err := os.ReadDir(d.inputDir)
	if err != nil {
		return nil, err
	}
	withTimes := make([]dirEntryWithTime, 0, len(raw))
	for _, e := range raw {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		withTimes = append(withTimes, dirEntryWithTime{entry: e, mtime: info.ModTime()})
	}
	sort.Slice(withTimes, func(i, j int) bool { return withTimes[i].mtime.Before(withTimes[j].mtime) })

	out := make([]os.DirEntry, len(withTimes))
	for i, w := range withTimes {
		out[i] = w.entry
	}
	return out, nil
}

// readUnsortedPass scans the directory for up to the current batch size of
// candidate files, shuffles them, and tries each in turn. The batch size
// grows (up to MaxBatchSize) when a whole pass finds nothing to claim, and
// shrinks back toward MinBatchSize as soon as a read succeeds, trading off
// directory-scan overhead against contention with sibling readers.
func (d *InputDevice) readUnsortedPass(withTransaction bool) (*device.ReadResult, error) {
	raw, err := os.ReadDir(d.inputDir)
	if err != nil {
		return nil, errors.Internal("error reading filesystem queue directory", err)
	}

	candidates := make([]os.DirEntry, 0, len(raw))
	for _, e := range raw {
		if e.IsDir() {
			continue
		}
		if d.minAge > 0 {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if time.Since(info.ModTime()) < d.minAge {
				continue
			}
		}
		candidates = append(candidates, e)
		if len(candidates) >= d.batchSize {
			break
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, e := range candidates {
		result, err := d.tryReadEntry(e, withTransaction)
		if err != nil {
			return nil, err
		}
		if result != nil {
			d.batchSize = max(d.manager.cfg.MinBatchSize, d.batchSize/2)
			return result, nil
		}
	}

	d.batchSize = min(d.batchSize*2, d.manager.cfg.MaxBatchSize)
	return nil, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (d *InputDevice) tryReadEntry(e os.DirEntry, withTransaction bool) (*device.ReadResult, error) {
	info, err := e.Info()
	if err != nil {
		return nil, nil // file vanished before we could stat it; not an error
	}

	orgPath := filepath.Join(d.inputDir, e.Name())
	result, err := readFile(d.manager, orgPath, withTransaction)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	result.DeviceHeaders[FilenameHeaderName] = e.Name()
	result.DeviceHeaders[StatHeaderName] = info
	return result, nil
}

func (d *InputDevice) Close() error { return nil }

// readFile atomically claims orgPath into the manager's tmp folder and
// deserializes it. It returns (nil, nil) if another reader claimed the
// file first, and a non-nil error only for a genuine I/O failure.
func readFile(m *Manager, orgPath string, withTransaction bool) (*device.ReadResult, error) {
	tmpPath := filepath.Join(m.tmpFolder, randomID())
	lockPath := filepath.Join(m.tmpFolder, filepath.Base(orgPath)+".lockfile")

	moved, err := atomicMove(orgPath, tmpPath, lockPath)
	if err != nil {
		logger.L().Error("atomic move failed", "path", orgPath, "error", err)
		return nil, nil
	}
	if !moved {
		return nil, nil
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errors.Internal("failed to read claimed file "+tmpPath, err)
	}

	msg, err := m.serializer.Deserialize(data)
	if err != nil {
		// the file is unreadable in our wire format: treat it as poison
		// immediately rather than cycling it through rollback retries.
		divertToPoison(m, tmpPath, orgPath)
		return nil, nil
	}

	if !withTransaction {
		os.Remove(tmpPath)
		return &device.ReadResult{
			Bundle:      *message.NewBundle(msg, message.DeviceHeaders{}),
			Transaction: device.NullTransaction,
		}, nil
	}

	tx := newInputTransaction(m, orgPath, tmpPath)
	return &device.ReadResult{
		Bundle:      *message.NewBundle(msg, message.DeviceHeaders{}),
		Transaction: tx,
	}, nil
}

func divertToPoison(m *Manager, tmpPath, orgPath string) {
	dest, err := poisonPath(orgPath, func(dir string) error { return os.MkdirAll(dir, 0o755) })
	if err != nil {
		logger.L().Error("failed to compute poison path", "path", orgPath, "error", err)
		return
	}
	lockPath := filepath.Join(filepath.Dir(tmpPath), filepath.Base(dest)+".lockfile")
	if _, err := atomicMove(tmpPath, dest, lockPath); err != nil {
		logger.L().Error("failed to move unparseable file to poison", "path", orgPath, "error", err)
	}
}

// newInputTransaction builds the InputTransaction returned for a
// transactional read: commit deletes the tmp file, rollback moves it back
// to orgPath (or diverts it to POISON/ once MaxPoisonCount rollbacks have
// accumulated for that path).
func newInputTransaction(m *Manager, orgPath, tmpPath string) device.InputTransaction {
	m.txLog.add(tmpPath, orgPath)

	return device.NewTransaction(
		func() error {
			os.Remove(tmpPath)
			m.poison.clear(orgPath)
			m.txLog.remove(tmpPath)
			return nil
		},
		func() error {
			rollbackClaimedFile(m, tmpPath, orgPath)
			m.txLog.remove(tmpPath)
			return nil
		},
	)
}

// rollbackClaimedFile restores tmpPath to orgPath, or diverts it to
// POISON/ if orgPath has now been rolled back MaxPoisonCount times.
func rollbackClaimedFile(m *Manager, tmpPath, orgPath string) {
	dest := orgPath
	if m.poison.recordRollback(orgPath) {
		poisoned, err := poisonPath(orgPath, func(dir string) error { return os.MkdirAll(dir, 0o755) })
		if err != nil {
			logger.L().Error("failed to compute poison path", "path", orgPath, "error", err)
		} else {
			dest = poisoned
		}
	}
	lockPath := filepath.Join(filepath.Dir(tmpPath), filepath.Base(dest)+".lockfile")
	if _, err := atomicMove(tmpPath, dest, lockPath); err != nil {
		logger.L().Error("failed to rollback claimed file", "org_path", orgPath, "error", err)
	}
}
