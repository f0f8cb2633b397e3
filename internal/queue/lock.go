// Package queue executes pending import jobs on a bounded worker pool under
// a per-patches-root exclusive lock. Exactly one process may mutate the
// queue, job store, and processed registry at a time; the lock is held for
// the owning process's lifetime.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/procutil"
)

const lockFileName = "queue.lock"

// Lock is the patches-root exclusive lock, implemented as a pid file
// created with O_EXCL. A lock whose owner is no longer alive is stale and
// may be broken by the next acquirer.
type Lock struct {
	path string
	pid  int
	held bool
}

// AcquireLock takes the exclusive lock for the patches root (the Wizards
// root directory). It fails when another live process holds it.
func AcquireLock(jail *fsjail.Jail) (*Lock, error) {
	dir, err := jail.RootDir(fsjail.RootWizards)
	if err != nil {
		return nil, err
	}
	l := &Lock{path: filepath.Join(dir, lockFileName), pid: os.Getpid()}
	if err := l.acquire(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Lock) acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", l.pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.path)
				return fmt.Errorf("write queue lock: %v", werr)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire queue lock: %w", err)
		}
		owner, rerr := readLockPID(l.path)
		if rerr == nil && owner > 0 && procutil.PIDAlive(owner) {
			return fmt.Errorf("queue lock held by pid %d", owner)
		}
		// Stale or unreadable lock: break it and retry once.
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("break stale queue lock: %w", rmErr)
		}
	}
	return fmt.Errorf("acquire queue lock: contention")
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || !l.held {
		return
	}
	if owner, err := readLockPID(l.path); err == nil && owner == l.pid {
		_ = os.Remove(l.path)
	}
	l.held = false
}

// Held reports whether this process currently owns the lock.
func (l *Lock) Held() bool { return l != nil && l.held }

func readLockPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse lock pid: %w", err)
	}
	return pid, nil
}
