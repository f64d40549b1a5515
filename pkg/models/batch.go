package models

import "time"

// BatchStatus is the lifecycle position of an ExtractionBatch.
type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchLanded  BatchStatus = "landed"
	BatchStaged  BatchStatus = "staged"
	BatchLoaded  BatchStatus = "loaded"
	BatchFailed  BatchStatus = "failed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending: {BatchLanded, BatchFailed},
	BatchLanded:  {BatchStaged, BatchFailed},
	BatchStaged:  {BatchLoaded, BatchFailed},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reached reports whether s is at or beyond target on the success path.
func (s BatchStatus) Reached(target BatchStatus) bool {
	order := map[BatchStatus]int{BatchPending: 0, BatchLanded: 1, BatchStaged: 2, BatchLoaded: 3}
	si, ok := order[s]
	if !ok {
		return false
	}
	return si >= order[target]
}

// ExtractionBatch is an immutable unit of raw records extracted for one
// (source, account, run). Batches are never deleted.
type ExtractionBatch struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Source     string      `json:"source"`
	Account    string      `json:"account"`
	EntityType string      `json:"entity_type"`
	From       Cursor      `json:"from"`
	To         Cursor      `json:"to"`
	Status     BatchStatus `json:"status"`
	Pages      int         `json:"pages"`
	// Exhausted is true when the provider reported the end of data
	// rather than the page cap stopping extraction.
	Exhausted   bool        `json:"exhausted"`
	RecordCount int         `json:"record_count"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Records     []RawRecord `json:"-"`
}

// Key returns the batch's account identity.
func (b ExtractionBatch) Key() AccountKey {
	return AccountKey{Source: b.Source, Account: b.Account}
}

// BatchEvent is one row of the append-only batch audit trail.
type BatchEvent struct {
	BatchID    string      `json:"batch_id"`
	FromStatus BatchStatus `json:"from_status"`
	ToStatus   BatchStatus `json:"to_status"`
	Detail     string      `json:"detail,omitempty"`
	At         time.Time   `json:"at"`
}
