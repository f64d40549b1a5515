package models

import "time"

// RawRecord is an untransformed provider payload plus provenance. Immutable once landed.
type RawRecord struct {
	BatchID    string    `json:"batch_id"`
	Source     string    `json:"source"`
	Account    string    `json:"account"`
	EntityType string    `json:"entity_type"`
	// RecordKey is the provider id of the record. It is the natural key for
	// well-formed payloads and "#<seq>" when the id could not be read.
	RecordKey  string    `json:"record_key"`
	Seq        int       `json:"seq"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// StagedEntity is a normalised record keyed by its natural key within
// (source, entity type). Transforming the same RawRecord always yields a
// byte-identical StagedEntity.
type StagedEntity struct {
	Source          string    `json:"source"`
	EntityType      string    `json:"entity_type"`
	NaturalKey      string    `json:"natural_key"`
	Account         string    `json:"account"`
	BatchID         string    `json:"batch_id"`
	SourceUpdatedAt time.Time `json:"source_updated_at"`
	Attributes      []byte    `json:"attributes"`
	ContentHash     string    `json:"content_hash"`
}

// LoadedEntity is the merge target, unique by natural key across all time.
type LoadedEntity struct {
	StagedEntity
	LoadedAt time.Time `json:"loaded_at"`
}

// DataQualityIssue records a raw record that could not be staged.
type DataQualityIssue struct {
	BatchID    string    `json:"batch_id"`
	Source     string    `json:"source"`
	Account    string    `json:"account"`
	RecordKey  string    `json:"record_key"`
	Seq        int       `json:"seq"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MergeOutcome is what the LOAD upsert did with one entity.
type MergeOutcome string

const (
	MergeInserted MergeOutcome = "inserted"
	MergeUpdated  MergeOutcome = "updated"
	MergeSkipped  MergeOutcome = "skipped"
)
