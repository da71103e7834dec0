//go:build !deadlock

// Package syncutil provides the mutex primitives used throughout the
// indexing core. Built with -tags=deadlock it swaps in deadlock-detecting
// locks for development and CI; the release build underneath is plain
// sync, so there is no runtime cost in production.
package syncutil

import "sync"

// DeadlockDetection is true when this build can report lock-order violations.
const DeadlockDetection = false

// Mutex is the indexing core's mutual exclusion lock.
type Mutex struct {
	sync.Mutex //nolint:forbidigo // this package is the sanctioned wrapper
}

// RWMutex is the indexing core's reader/writer lock.
type RWMutex struct {
	sync.RWMutex //nolint:forbidigo // this package is the sanctioned wrapper
}
