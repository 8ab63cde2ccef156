// Package events fans index lifecycle and commit events out to external
// sinks without blocking the code that emits them.
package events

import "time"

type Type string

const (
	IndexCreated    Type = "index_created"
	IndexDeleted    Type = "index_deleted"
	CommitSucceeded Type = "commit_succeeded"
	CommitFailed    Type = "commit_failed"
	LoadFailed      Type = "startup_load_failed"
	DrainTimedOut   Type = "drain_timed_out"
)

// Event describes one catalog occurrence.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Index      string    `json:"index"`
	Generation uint64    `json:"generation"`
	Docs       uint64    `json:"docs,omitempty"`
	Ops        int       `json:"ops,omitempty"`
	LatencyMs  int64     `json:"latency_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
