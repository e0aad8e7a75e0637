// Package filesystem provides a message store backed by a plain directory
// tree, for local development and tests. Grounded on the original's
// FileSystemMessageStore.
package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/filesystem"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

const magic = "__FS_MSGSTORE__"

// defaultNumSubdirs is the NumSubdirs value New and Connect apply, matching
// the original's default. Subdirectory names are the current date plus a
// random suffix, so NumSubdirs does not bound how many are created.
const defaultNumSubdirs = 4000

// Store is a messagestore.Store backed by RootFolder, partitioning entries
// into date+random subdirectories to avoid very large single directories.
type Store struct {
	RootFolder string
	NumSubdirs int
	serializer filesystem.Serializer
}

// New builds a Store rooted at rootFolder.
func New(rootFolder string) *Store {
	return &Store{RootFolder: rootFolder, NumSubdirs: defaultNumSubdirs, serializer: filesystem.ZIPSerializer{}}
}

func (s *Store) Magic() []byte { return []byte(magic) }

func (s *Store) Connect() error {
	if s.NumSubdirs <= 0 {
		s.NumSubdirs = defaultNumSubdirs
	}
	if err := os.MkdirAll(s.RootFolder, 0o777); err != nil {
		return errors.Internal("failed to create message store root", err)
	}
	return nil
}

func (s *Store) Disconnect() error { return nil }

func (s *Store) absolutePath(relativePath string) string {
	return filepath.Join(s.RootFolder, filepath.FromSlash(relativePath))
}

func (s *Store) generateRelativePath() string {
	filename := uuid.New().String() + ".FSMS"
	currentDate := time.Now().Format("2006-01-02")
	subdir := currentDate + "-" + uuid.New().String()[:8]
	return filepath.ToSlash(filepath.Join(subdir, filename))
}

func (s *Store) ReadMessage(_ context.Context, key string) (*message.Bundle, error) {
	path := s.absolutePath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Internal("failed to read message store entry "+path, err)
	}
	msg, err := s.serializer.Deserialize(data)
	if err != nil {
		return nil, err
	}
	return message.NewBundle(msg, message.DeviceHeaders{"filename": path}), nil
}

func (s *Store) PutMessage(_ context.Context, _ string, bundle *message.Bundle) (string, error) {
	relativePath := s.generateRelativePath()
	path := s.absolutePath(relativePath)

	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return "", errors.Internal("failed to create message store subdirectory", err)
	}

	data, err := s.serializer.Serialize(bundle.Message)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return "", errors.Internal("failed to write message store entry "+path, err)
	}
	return relativePath, nil
}

func (s *Store) DeleteMessage(_ context.Context, key string) error {
	path := s.absolutePath(key)
	if err := os.Remove(path); err != nil {
		return errors.Internal("failed to delete message store entry "+path, err)
	}
	os.Remove(filepath.Dir(path)) // best-effort, matches the original's rmdir-if-empty cleanup
	return nil
}
