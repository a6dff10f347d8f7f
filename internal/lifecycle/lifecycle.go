// Package lifecycle holds the process-wide draining flag read by /health.
package lifecycle

import (
	"sync"
	"sync/atomic"
)

var (
	shuttingDown atomic.Bool

	reasonMu sync.RWMutex
	reason   string
)

// MarkShuttingDown sets the draining flag with the reason reported by /health
// (for example "signal"). Health returns 503 shutting-down while it is set.
func MarkShuttingDown(why string) {
	reasonMu.Lock()
	reason = why
	reasonMu.Unlock()
	shuttingDown.Store(true)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// ShutdownReason returns the reason passed to MarkShuttingDown, or "" when running.
func ShutdownReason() string {
	if !IsShuttingDown() {
		return ""
	}
	reasonMu.RLock()
	defer reasonMu.RUnlock()
	return reason
}

// Reset clears the flag. For tests only.
func Reset() {
	shuttingDown.Store(false)
	reasonMu.Lock()
	reason = ""
	reasonMu.Unlock()
}
