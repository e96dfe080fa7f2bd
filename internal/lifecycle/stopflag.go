// Package lifecycle holds the single cooperative stop signal shared by the
// historical and live loops.
package lifecycle

import "sync/atomic"

// StopFlag is a concurrency-safe, idempotent stop signal.
type StopFlag struct {
	stopped atomic.Bool
}

// NewStopFlag returns an unset StopFlag.
func NewStopFlag() *StopFlag {
	return &StopFlag{}
}

// Stop sets the flag. Safe to call more than once or from any goroutine.
func (s *StopFlag) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (s *StopFlag) Stopped() bool {
	return s.stopped.Load()
}
