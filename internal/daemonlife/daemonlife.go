// Package daemonlife implements the daemon's single-writer start
// sequence: lock-file acquisition with retry/backoff, PID-file liveness
// checks, and graceful shutdown helpers (spec.md §4.1 "Single-writer
// start", "Liveness", "Graceful shutdown"). It is grounded on the
// teacher's internal/storage.FileLock (flock-based exclusive locking)
// wrapped with cenkalti/backoff/v4, the retry library the teacher
// already pulls in for provider-call retries (internal/provider).
package daemonlife

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oak-dev/ci-daemon/internal/storage"
)

const (
	lockRetries  = 5
	lockBaseWait = 100 * time.Millisecond
)

// AcquireStartLock attempts to take an exclusive, non-blocking lock on
// lockPath, retrying up to lockRetries times with exponential backoff
// starting at lockBaseWait (spec.md: "non-blocking attempts with
// exponential backoff (five retries, 100 ms base)"). It returns a
// release function to call once the child either exits or starts
// listening.
func AcquireStartLock(lockPath string) (release func(), err error) {
	lock := storage.NewFileLock(lockPath)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = lockBaseWait
	bo := backoff.WithMaxRetries(b, lockRetries)

	acquire := func() error {
		if lock.TryLock() {
			return nil
		}
		return fmt.Errorf("daemonlife: lock held")
	}

	if err := backoff.Retry(acquire, bo); err != nil {
		return nil, fmt.Errorf("daemonlife: could not acquire start lock at %s: %w", lockPath, err)
	}
	return func() { lock.Unlock() }, nil
}

// WritePIDFile persists the current process's pid.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPIDFile reads a previously written pid, or (0, false) if absent or
// unparsable.
func ReadPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ProcessAlive reports whether pid refers to a running process, probed
// with signal 0 (no-op existence check, does not affect the process).
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsAlive implements the combined liveness check spec.md §4.1 requires:
// the pid exists and is running, AND GET healthURL/api/health returns
// 200. A stale pid file (process gone) is removed as a side effect.
func IsAlive(pidPath, healthURL string) bool {
	pid, ok := ReadPIDFile(pidPath)
	if !ok {
		return false
	}
	if !ProcessAlive(pid) {
		os.Remove(pidPath)
		return false
	}

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(healthURL, "/") + "/api/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ShutdownTask is one subsystem's bounded-wait stop function, run by
// ShutdownAll in the order the tasks are listed (spec.md §4.1 "Graceful
// shutdown": "Cancel background tasks with a bounded wait (5 s each)").
type ShutdownTask struct {
	Name string
	Stop func(ctx context.Context)
}

// ShutdownAll runs each task's Stop with a per-task 5s bound, in order,
// continuing past a timed-out task rather than aborting the rest.
func ShutdownAll(tasks []ShutdownTask, onTimeout func(name string)) {
	for _, t := range tasks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		done := make(chan struct{})
		go func() {
			t.Stop(ctx)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if onTimeout != nil {
				onTimeout(t.Name)
			}
		}
		cancel()
	}
}
