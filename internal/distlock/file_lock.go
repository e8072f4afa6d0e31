package distlock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// FileLock is an flock(2) lock on <stateDir>/<key>.lock. It only excludes
// processes on the same host, which is enough for a SQLite deployment. The
// kernel drops the lock when the process exits.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

var _ DistLock = (*FileLock)(nil)

// NewFileLock creates a lock file path for key under stateDir.
func NewFileLock(stateDir, key string) *FileLock {
	return &FileLock{path: filepath.Join(stateDir, key+".lock")}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Acquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			slog.Debug("FileLock.Acquire: held elsewhere", "path", l.path, "holder", holderInfo(l.path))
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}

	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "pid=%d\n", os.Getpid())
	}
	l.file = file
	return true, nil
}

func (l *FileLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return file.Close()
}

// holderInfo describes the process recorded in the lock file, if any.
func holderInfo(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	content := strings.TrimSpace(string(data))
	pidStr, ok := strings.CutPrefix(content, "pid=")
	if !ok {
		return "unknown"
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return "unknown"
	}
	if processRunning(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
}

func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
