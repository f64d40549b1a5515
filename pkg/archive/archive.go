// Package archive mirrors landed raw batches to object storage.
//
// A batch is written as one compressed JSON Lines object under
//
//	<prefix>/<source>/<account>/<batch_id>.jsonl<ext>
//
// so the RAW layer can be rebuilt, or audited, without the warehouse.
// Writing the same batch twice overwrites the object with identical bytes.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"path"
	"strconv"
	"time"

	"github.com/ajitpratap0/tidewater/pkg/compression"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// Object is what a Bucket stores alongside the body.
type Object struct {
	Key         string
	ContentType string
	Metadata    map[string]string
}

// Bucket is an object store.
type Bucket interface {
	Put(ctx context.Context, obj Object, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Archiver writes batches to a Bucket.
type Archiver struct {
	bucket     Bucket
	prefix     string
	compressor compression.Compressor
}

// New creates an Archiver.
func New(bucket Bucket, prefix string, compressor compression.Compressor) *Archiver {
	return &Archiver{bucket: bucket, prefix: prefix, compressor: compressor}
}

// line is one archived record. Payloads stay raw JSON when they are JSON.
type line struct {
	BatchID    string              `json:"batch_id"`
	Seq        int                 `json:"seq"`
	RecordKey  string              `json:"record_key"`
	Source     string              `json:"source"`
	Account    string              `json:"account"`
	EntityType string              `json:"entity_type"`
	ReceivedAt time.Time           `json:"received_at"`
	Payload    jsonpool.RawMessage `json:"payload"`
}

// Key returns the object key of a batch.
func (a *Archiver) Key(b *models.ExtractionBatch) string {
	return path.Join(a.prefix, b.Source, b.Account, b.ID+".jsonl"+a.compressor.Extension())
}

// Archive writes the batch's records and returns the object key.
func (a *Archiver) Archive(ctx context.Context, b *models.ExtractionBatch) (string, error) {
	var buf bytes.Buffer
	w := jsonpool.NewLineWriter(&buf)
	for _, r := range b.Records {
		payload := jsonpool.RawMessage(r.Payload)
		if !jsonpool.Valid(r.Payload) {
			quoted, err := jsonpool.Marshal(string(r.Payload))
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeInternal, "encoding archived payload")
			}
			payload = quoted
		}
		if err := w.Write(line{
			BatchID:    r.BatchID,
			Seq:        r.Seq,
			RecordKey:  r.RecordKey,
			Source:     r.Source,
			Account:    r.Account,
			EntityType: r.EntityType,
			ReceivedAt: r.ReceivedAt,
			Payload:    payload,
		}); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeInternal, "encoding archived record")
		}
	}

	body, err := a.compressor.Compress(buf.Bytes())
	if err != nil {
		return "", err
	}

	key := a.Key(b)
	err = a.bucket.Put(ctx, Object{
		Key:         key,
		ContentType: "application/x-ndjson",
		Metadata: map[string]string{
			"batch_id":    b.ID,
			"run_id":      b.RunID,
			"records":     strconv.Itoa(len(b.Records)),
			"compression": string(a.compressor.Algorithm()),
		},
	}, body)
	if err != nil {
		return "", errors.Annotate(err, "archiving batch "+b.ID)
	}
	return key, nil
}

// Restore reads an archived batch back into raw records.
func (a *Archiver) Restore(ctx context.Context, key string) ([]models.RawRecord, error) {
	body, err := a.bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := a.compressor.Decompress(body)
	if err != nil {
		return nil, err
	}

	var out []models.RawRecord
	sc := bufio.NewScanner(bytes.NewReader(plain))
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for sc.Scan() {
		var l line
		if err := jsonpool.Unmarshal(sc.Bytes(), &l); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "decoding archived record")
		}
		out = append(out, models.RawRecord{
			BatchID:    l.BatchID,
			Source:     l.Source,
			Account:    l.Account,
			EntityType: l.EntityType,
			RecordKey:  l.RecordKey,
			Seq:        l.Seq,
			Payload:    []byte(l.Payload),
			ReceivedAt: l.ReceivedAt.UTC(),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "reading archive")
	}
	return out, nil
}
