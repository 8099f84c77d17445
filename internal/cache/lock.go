package cache

import (
	"fmt"
	"os"
	"time"
)

const (
	lockRetryInterval = 50 * time.Millisecond
	lockTimeout       = 3 * time.Second
	// staleLockAge is how old a lock file must be before it is assumed to
	// belong to a crashed process and broken.
	staleLockAge = 30 * time.Second
)

// lock acquires an advisory lock on the cache file via an O_EXCL sibling
// lock file. Two installer processes launched simultaneously both refresh
// the cache; without this one of the writes would be lost.
func (s *Store) lock() (func(), error) {
	lockPath := s.path + ".lock"
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire cache lock: %w", err)
		}

		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > staleLockAge {
			s.logger.Warn().Str("lock", lockPath).Msg("breaking stale cache lock")
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire cache lock: timed out after %s", lockTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
}
