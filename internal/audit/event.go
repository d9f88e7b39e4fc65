// Package audit emits a tamper-evident, hash-chained record of every
// finished iteration.
package audit

import (
	"time"
)

const (
	EventVersion = "1.0"
	EventType    = "injection_iteration"
)

// Event is one audited iteration.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo      `json:"run"`
	Tasks    []TaskInfo   `json:"tasks"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// RunInfo identifies the iteration and its counts.
type RunInfo struct {
	Name      string `json:"name"`
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
	Submitted int    `json:"submitted"`
	Succeeded int    `json:"succeeded"`
	Recovered int    `json:"recovered"`
	Failed    int    `json:"failed"`
}

// TaskInfo is the outcome of one query. Path is empty for recovered and
// failed tasks.
type TaskInfo struct {
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey is the chain an event belongs to: one per run name.
func (e *Event) ChainKey() string {
	if e.Run.Name == "" {
		return "default"
	}
	return e.Run.Name
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
