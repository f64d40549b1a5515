package models

import (
	"fmt"
	"time"
)

// CursorKind distinguishes ordered timestamp cursors from opaque provider tokens.
type CursorKind string

const (
	CursorNone      CursorKind = ""
	CursorTimestamp CursorKind = "timestamp"
	CursorToken     CursorKind = "token"
)

// Cursor is an extraction position: either a provider timestamp or an opaque
// paging token.
type Cursor struct {
	Kind      CursorKind `json:"kind,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
	Token     string     `json:"token,omitempty"`
}

// TimestampCursor returns a timestamp cursor normalised to UTC.
func TimestampCursor(t time.Time) Cursor {
	return Cursor{Kind: CursorTimestamp, Timestamp: t.UTC()}
}

// TokenCursor returns an opaque token cursor.
func TokenCursor(token string) Cursor {
	return Cursor{Kind: CursorToken, Token: token}
}

// IsZero reports whether the cursor marks "nothing extracted yet".
func (c Cursor) IsZero() bool {
	switch c.Kind {
	case CursorTimestamp:
		return c.Timestamp.IsZero()
	case CursorToken:
		return c.Token == ""
	default:
		return true
	}
}

// Before reports whether c is strictly behind other. Only timestamp cursors
// are ordered; token cursors rely on the watermark version for monotonicity
// and never compare as behind.
func (c Cursor) Before(other Cursor) bool {
	if c.Kind != CursorTimestamp || other.Kind != CursorTimestamp {
		return false
	}
	return c.Timestamp.Before(other.Timestamp)
}

func (c Cursor) String() string {
	switch c.Kind {
	case CursorTimestamp:
		return c.Timestamp.UTC().Format(time.RFC3339Nano)
	case CursorToken:
		return c.Token
	default:
		return "<none>"
	}
}

// Watermark is the durable "last successfully extracted position" of an account.
type Watermark struct {
	Source      string    `json:"source"`
	Account     string    `json:"account"`
	Cursor      Cursor    `json:"cursor"`
	LastBatchID string    `json:"last_batch_id,omitempty"`
	// Version counts commits. Writers must present the version they read.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Key returns the watermark's account identity.
func (w Watermark) Key() AccountKey {
	return AccountKey{Source: w.Source, Account: w.Account}
}

// Advance returns the watermark that results from committing batch at cursor.
// Regressing a timestamp cursor is an error.
func (w Watermark) Advance(to Cursor, batchID string, now time.Time) (Watermark, error) {
	if to.Before(w.Cursor) {
		return w, fmt.Errorf("watermark for %s would regress from %s to %s", w.Key(), w.Cursor, to)
	}
	next := w
	if !to.IsZero() {
		next.Cursor = to
	}
	next.LastBatchID = batchID
	next.Version = w.Version + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}
