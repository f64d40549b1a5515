// Package lease keeps two runs of the same (source, account) from
// executing at once.
//
// A lease is held for a TTL and must be extended while the run makes
// progress; a holder that stalls past its TTL loses the lease to the next
// run. The local Leaser covers a single process, the Redis Leaser covers a
// fleet.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// Lease is a held lease on one key.
type Lease interface {
	Key() string
	// Extend pushes the expiry ttl into the future. It fails with a
	// conflict error when the lease was lost.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Leaser hands out leases.
type Leaser interface {
	// Acquire takes the lease on key or fails with ErrorTypeConflict
	// when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func notAcquired(key string) error {
	return errors.Newf(errors.ErrorTypeConflict, "lease %s is held by another run", key)
}

func notHeld(key string) error {
	return errors.Newf(errors.ErrorTypeConflict, "lease %s is no longer held", key)
}

// Local is an in-process Leaser.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal creates an in-process leaser.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

// Acquire implements Leaser.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, notAcquired(key)
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Extend(_ context.Context, ttl time.Duration) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	e, ok := o.held[l.key]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return notHeld(l.key)
	}
	o.held[l.key] = localEntry{token: l.token, expires: now.Add(ttl)}
	return nil
}

func (l *localLease) Release(_ context.Context) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.held[l.key]; ok && e.token == l.token {
		delete(o.held, l.key)
		return nil
	}
	return notHeld(l.key)
}
