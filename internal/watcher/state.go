// Package watcher runs sources that detect new content and turns that
// content into deduplicated action items. Each watcher keeps a health record
// and a fingerprint ledger that survive restarts.
package watcher

import (
	"time"
)

// Health classifies a watcher's recent check history.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// FailureThreshold is the number of consecutive failed checks after which a
// watcher is considered failed.
const FailureThreshold = 3

// Level maps health to a gauge value: 0 healthy, 1 degraded, 2 failed.
func (h Health) Level() int {
	switch h {
	case HealthDegraded:
		return 1
	case HealthFailed:
		return 2
	}
	return 0
}

// State is the persisted health record of one source. The fingerprint set
// lives next to it in the ledger.
type State struct {
	Source              string    `json:"source"`
	Health              Health    `json:"health"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// NewState returns a healthy state for source.
func NewState(source string) *State {
	return &State{Source: source, Health: HealthHealthy}
}

// MarkSuccess records a successful check. A single success clears any
// degraded or failed classification.
func (s *State) MarkSuccess(at time.Time) {
	s.Health = HealthHealthy
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.LastCheck = at.UTC()
	s.LastSuccess = s.LastCheck
}

// MarkFailure records a failed check and reclassifies health from the
// failure streak.
func (s *State) MarkFailure(err error, at time.Time) {
	s.ConsecutiveFailures++
	s.LastCheck = at.UTC()
	if err != nil {
		s.LastError = err.Error()
	}
	if s.ConsecutiveFailures >= FailureThreshold {
		s.Health = HealthFailed
	} else {
		s.Health = HealthDegraded
	}
}
