package models

import "time"

// RunState is a position in the per-(source, account, run) state machine.
type RunState string

const (
	RunPending    RunState = "pending"
	RunExtracting RunState = "extracting"
	RunLanding    RunState = "landing"
	RunStaging    RunState = "staging"
	RunLoading    RunState = "loading"
	RunCommitted  RunState = "committed"
	RunFailed     RunState = "failed"
)

var runSuccessor = map[RunState]RunState{
	RunPending:    RunExtracting,
	RunExtracting: RunLanding,
	RunLanding:    RunStaging,
	RunStaging:    RunLoading,
	RunLoading:    RunCommitted,
}

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunCommitted || s == RunFailed
}

// CanTransition reports whether next directly follows s. Failed is reachable
// from every non-terminal state.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == RunFailed {
		return true
	}
	return runSuccessor[s] == next
}

// RunCounts are the structured per-run counts surfaced to operators.
type RunCounts struct {
	Extracted int `json:"extracted"`
	Landed    int `json:"landed"`
	Staged    int `json:"staged"`
	Loaded    int `json:"loaded"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RunResult is the terminal report of one run.
type RunResult struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Account    string    `json:"account"`
	BatchID    string    `json:"batch_id,omitempty"`
	State      RunState  `json:"state"`
	FailedIn   RunState  `json:"failed_in,omitempty"`
	Counts     RunCounts `json:"counts"`
	Watermark  Cursor    `json:"watermark"`
	Error      string    `json:"error,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Key returns the run's account identity.
func (r RunResult) Key() AccountKey {
	return AccountKey{Source: r.Source, Account: r.Account}
}

// Committed reports whether the run reached its terminal success state.
func (r RunResult) Committed() bool {
	return r.State == RunCommitted
}
