package filesystem

import (
	"os"
	"time"

	"github.com/deviceflux/deviceflux/pkg/errors"
)

// maxLockfileAge is how old a lockfile can be before we consider its owner
// dead and steal the move by picking a ".new" sibling lockfile name instead.
const maxLockfileAge = 60 * time.Second

// errAtomicMove builds the error returned when a move genuinely fails (as opposed to
// simply losing a race, which returns ok=false with a nil error).
func errAtomicMove(src, dst string, cause error) error {
	return errors.Internal("atomic move failed: "+src+" -> "+dst, cause)
}

// atomicMove moves src to dst, guarded by lockFilename so that concurrent
// readers racing for the same file never both succeed. It returns
// (true, nil) if the move happened, (false, nil) if another reader already
// claimed src (lock held, or src vanished), and a non-nil error only for a
// genuine filesystem failure.
func atomicMove(src, dst, lockFilename string) (bool, error) {
	lockPath := lockFilename
	var fd *os.File

	for {
		if info, err := os.Stat(lockPath); err == nil {
			if time.Since(info.ModTime()) >= maxLockfileAge {
				lockPath += ".new"
				continue
			}
			return false, nil
		}
		break
	}

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, nil
	}
	fd = f
	defer func() {
		fd.Close()
		os.Remove(lockPath)
	}()

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errAtomicMove(src, dst, err)
	}

	if err := os.Rename(src, dst); err != nil {
		os.Remove(dst)
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errAtomicMove(src, dst, err)
	}

	return true, nil
}
