package filesystem

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by a directory tree: RootFolder/QUEUES/<name> holds one
// subdirectory per input or output device, RootFolder/TMP holds in-flight
// claimed files plus lockfiles, and RootFolder/BOOKKEEPING holds this
// manager's transaction journal (and, incidentally, those of any sibling
// managers sharing the same root, which is how stale-journal recovery
// finds work left behind by a crashed process).
type Manager struct {
	device.BaseInputDeviceManager

	cfg                  Config
	queuesFolder         string
	tmpFolder            string
	bookkeepingFolder    string
	serializer           Serializer
	limits               message.Limits
	outputFilenameFormat string

	poison *poisonTracker
	txLog  *transactionLog

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache

	stopRecovery chan struct{}
}

// NewManager builds a Manager from cfg, using serializer to encode and
// decode queue files (ZIPSerializer{} if nil).
func NewManager(cfg Config, serializer Serializer) (*Manager, error) {
	if serializer == nil {
		serializer = ZIPSerializer{}
	}
	if cfg.MaxPoisonCount <= 0 {
		cfg.MaxPoisonCount = 3
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 8
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 300
	}
	if cfg.TransactionLogSaveInterval <= 0 {
		cfg.TransactionLogSaveInterval = staleJournalScanInterval
	}

	queuesFolder := filepath.Join(cfg.RootFolder, cfg.QueueDirName)
	tmpFolder := filepath.Join(cfg.RootFolder, cfg.TmpDirName)
	bookkeepingFolder := filepath.Join(cfg.RootFolder, cfg.BookkeepingDirName)

	for _, dir := range []string{queuesFolder, tmpFolder, bookkeepingFolder} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Internal("failed to create filesystem device directory "+dir, err)
		}
	}

	m := &Manager{
		cfg:                  cfg,
		queuesFolder:         queuesFolder,
		tmpFolder:            tmpFolder,
		bookkeepingFolder:    bookkeepingFolder,
		serializer:           serializer,
		limits:               message.Limits{MaxPayloadBytes: cfg.MaxPayloadBytes, MaxHeaderBytes: cfg.MaxHeaderBytes},
		outputFilenameFormat: cfg.OutputFilenameFormat,
		poison:               newPoisonTracker(cfg.MaxPoisonCount),
		inputs:               make(map[string]*InputDevice),
	}

	logPath := filepath.Join(bookkeepingFolder, randomID()+".transactionlog")
	m.txLog = newTransactionLog(logPath, func(tmpPath, orgPath string) {
		rollbackClaimedFile(m, tmpPath, orgPath)
	})

	return m, nil
}

// Connect starts the background journal worker: every
// TransactionLogSaveInterval it rewrites this manager's own journal and
// scans for stale journals of other managers. It does not replay this
// manager's own journal; that path is unique per Manager.
func (m *Manager) Connect() error {
	m.stopRecovery = make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.cfg.TransactionLogSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopRecovery:
				return
			case <-ticker.C:
				m.txLog.writeLog()
				recoverStaleJournals(m.bookkeepingFolder, m.txLog.filepath, m.cfg.TransactionLogSaveInterval, func(tmpPath, orgPath string) {
					rollbackClaimedFile(m, tmpPath, orgPath)
				})
			}
		}
	}()
	return nil
}

// Disconnect stops the background scanner and rolls back any of this
// manager's own in-flight (uncommitted) reads.
func (m *Manager) Disconnect() error {
	if m.stopRecovery != nil {
		close(m.stopRecovery)
		m.stopRecovery = nil
	}
	m.txLog.rollbackAll()
	return nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}
	d, err := newInputDevice(m, name)
	if err != nil {
		return nil, err
	}
	m.inputs[name] = d
	return d, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		return newOutputDevice(m, name)
	})
}
