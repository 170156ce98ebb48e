package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pidLock is a PID file held under an exclusive flock for the daemon's life.
// A second daemon pointed at the same PID file fails fast instead of
// appending to the same trace files.
type pidLock struct {
	path string
	file *os.File
}

// acquirePIDFile creates or opens path, locks it and writes the current PID.
func acquirePIDFile(path string) (*pidLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			owner, _ := ReadPID(path)
			return nil, fmt.Errorf("PID file %s is locked by running daemon (pid %d)", path, owner)
		}
		return nil, fmt.Errorf("failed to lock PID file %s: %w", path, err)
	}

	pid := os.Getpid()
	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("failed to truncate PID file %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("failed to write PID file %s: %w", path, err)
	}

	slog.Debug("PID file written", "path", path, "pid", pid)
	return &pidLock{path: path, file: f}, nil
}

// release removes the PID file, then drops the lock.
func (l *pidLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}

	var errs []error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove PID file %s: %w", l.path, err))
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock PID file %s: %w", l.path, err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil

	slog.Debug("PID file removed", "path", l.path)
	return errors.Join(errs...)
}

// ReadPID returns the PID recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}
