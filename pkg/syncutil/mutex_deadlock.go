//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockDetection is true when this build can report lock-order violations.
const DeadlockDetection = true

func init() {
	// The fixed lock order in (plugin-map -> device -> counters) means a
	// real violation shows up fast; 20s is long enough to rule out a slow
	// disk operation holding the lock legitimately.
	deadlock.Opts.DeadlockTimeout = 20 * time.Second
}

// Mutex is the indexing core's mutual exclusion lock.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is the indexing core's reader/writer lock.
type RWMutex struct {
	deadlock.RWMutex
}
