// Package core defines the contracts provider integrations implement.
//
// A Source fetches one page of raw records at a time for one account; a
// Transformer turns one landed RawRecord into zero or one StagedEntity. The
// pipeline drives both and never lets them see each other.
package core

import (
	"context"
	"strings"
	"time"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// PageRequest is everything a Source needs to fetch the next page.
type PageRequest struct {
	Account    models.Account
	Credential models.Credential
	// Watermark is the committed position the run started from
	Watermark models.Watermark
	// Cursor is the source-defined continuation, empty on the first page
	Cursor   string
	AsOf     time.Time
	PageSize int
}

// RawItem is one record as the provider returned it.
type RawItem struct {
	// Key is the provider id, empty when it could not be read
	Key     string
	Payload []byte
}

// Page is one fetch result.
type Page struct {
	Records []RawItem
	// NextCursor is empty when the window has no more data
	NextCursor string
	// HighWater is the watermark that is safe to commit if extraction
	// stops after this page. Zero leaves the watermark where it was.
	HighWater models.Cursor
}

// Source fetches pages from one provider API.
type Source interface {
	Name() string
	EntityType() string
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// Transformer is a pure, deterministic RAW to STAGE mapping for one
// (source, entity type). Malformed payloads return an ErrorTypeData error.
type Transformer interface {
	Transform(rec models.RawRecord) (*models.StagedEntity, error)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(rec models.RawRecord) (*models.StagedEntity, error)

// Transform calls f.
func (f TransformerFunc) Transform(rec models.RawRecord) (*models.StagedEntity, error) {
	return f(rec)
}

// DataError reports a malformed payload.
func DataError(rec models.RawRecord, format string, args ...interface{}) error {
	return errors.Newf(errors.ErrorTypeData, format, args...).
		WithDetail("record_key", rec.RecordKey).
		WithDetail("seq", rec.Seq)
}

// NewStagedEntity builds the staged form of rec with canonically encoded
// attributes and their content hash.
func NewStagedEntity(rec models.RawRecord, naturalKey string, updatedAt time.Time, attrs interface{}) (*models.StagedEntity, error) {
	if naturalKey == "" {
		return nil, DataError(rec, "natural key is empty")
	}
	if updatedAt.IsZero() {
		return nil, DataError(rec, "record %s has no update timestamp", naturalKey)
	}

	body, err := jsonpool.Canonical(attrs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "encoding staged attributes")
	}

	return &models.StagedEntity{
		Source:          rec.Source,
		EntityType:      rec.EntityType,
		NaturalKey:      naturalKey,
		Account:         rec.Account,
		BatchID:         rec.BatchID,
		SourceUpdatedAt: updatedAt.UTC(),
		Attributes:      body,
		ContentHash:     jsonpool.Hash(body),
	}, nil
}

// ParseTime accepts the timestamp layouts providers emit.
func ParseTime(v string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05.000Z0700",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// EpochMillis converts a provider epoch-millisecond value.
func EpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Endpoint returns path resolved against the account's endpoint override.
// Without an override the path is left for the client's base URL.
func Endpoint(account models.Account, path string) string {
	if account.Endpoint == "" {
		return path
	}
	return strings.TrimRight(account.Endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}
