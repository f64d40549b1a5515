// Package auth resolves and refreshes per-(source, account) credentials.
//
// The Store is the only owner of credentials. Callers borrow a copy through
// Get, which never hands out a credential that expires within the refresh
// margin: such credentials are refreshed synchronously first, and concurrent
// refreshes of the same account are coalesced into one exchange. A refresh
// the provider rejects is an AuthFailure (ErrorTypeAuthentication) and must
// not be retried.
package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// DefaultRefreshMargin is how long before expiry a credential is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// Provider is what extractors see of the credential store.
type Provider interface {
	Get(ctx context.Context, key models.AccountKey) (models.Credential, error)
	Invalidate(key models.AccountKey)
}

// Refresher performs one credential exchange. current is the cached
// credential, zero on first use, so rotating refresh tokens carry over.
type Refresher interface {
	Refresh(ctx context.Context, current models.Credential) (models.Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current models.Credential) (models.Credential, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, current models.Credential) (models.Credential, error) {
	return f(ctx, current)
}

// Store caches credentials per account and refreshes them before they expire.
type Store struct {
	mu         sync.Mutex
	creds      map[models.AccountKey]models.Credential
	stale      map[models.AccountKey]bool
	refreshers map[models.AccountKey]Refresher
	group      singleflight.Group

	margin time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(margin time.Duration, logger *zap.Logger, opts ...Option) *Store {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		creds:      make(map[models.AccountKey]models.Credential),
		stale:      make(map[models.AccountKey]bool),
		refreshers: make(map[models.AccountKey]Refresher),
		margin:     margin,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "credential_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register sets the refresher for key, dropping any cached credential.
func (s *Store) Register(key models.AccountKey, r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshers[key] = r
	delete(s.creds, key)
	delete(s.stale, key)
}

// Get returns a credential for key that is valid for at least the refresh margin.
func (s *Store) Get(ctx context.Context, key models.AccountKey) (models.Credential, error) {
	if cred, ok := s.cached(key); ok {
		return cred, nil
	}

	v, err, shared := s.group.Do(key.String(), func() (interface{}, error) {
		// Another caller may have refreshed while we queued.
		if cred, ok := s.cached(key); ok {
			return cred, nil
		}
		return s.refresh(ctx, key)
	})
	if err != nil {
		return models.Credential{}, err
	}
	if shared {
		s.logger.Debug("credential refresh coalesced", zap.String("account", key.String()))
	}
	return v.(models.Credential), nil
}

// Invalidate forces the next Get for key to refresh.
func (s *Store) Invalidate(key models.AccountKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale[key] = true
}

func (s *Store) cached(key models.AccountKey) (models.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[key]
	if !ok || s.stale[key] || cred.ExpiresWithin(s.now(), s.margin) {
		return models.Credential{}, false
	}
	return cred, true
}

func (s *Store) refresh(ctx context.Context, key models.AccountKey) (models.Credential, error) {
	s.mu.Lock()
	r := s.refreshers[key]
	current := s.creds[key]
	s.mu.Unlock()

	if r == nil {
		return models.Credential{}, errors.Newf(errors.ErrorTypeConfig, "no credential configured for %s", key)
	}

	fresh, err := r.Refresh(ctx, current)
	if err != nil {
		metrics.CredentialRefreshes.WithLabelValues(key.Source, "failure").Inc()
		err = classifyRefreshError(err)
		s.logger.Warn("credential refresh failed",
			zap.String("account", key.String()),
			zap.String("error_type", string(errors.TypeOf(err))),
			zap.Error(err))
		return models.Credential{}, err
	}

	now := s.now()
	if fresh.Expired(now) {
		metrics.CredentialRefreshes.WithLabelValues(key.Source, "failure").Inc()
		return models.Credential{}, errors.Newf(errors.ErrorTypeAuthentication,
			"refresh for %s returned a credential that expired at %s", key, fresh.ExpiresAt.Format(time.RFC3339))
	}
	fresh.Source, fresh.Account = key.Source, key.Account

	s.mu.Lock()
	s.creds[key] = fresh
	delete(s.stale, key)
	s.mu.Unlock()

	metrics.CredentialRefreshes.WithLabelValues(key.Source, "success").Inc()
	s.logger.Info("credential refreshed",
		zap.String("account", key.String()),
		zap.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}

// classifyRefreshError keeps transient failures retryable and turns every
// provider rejection into an AuthFailure.
func classifyRefreshError(err error) error {
	if errors.IsRetryable(err) || errors.TypeOf(err) == errors.ErrorTypeCancelled {
		return err
	}
	if errors.IsType(err, errors.ErrorTypeAuthentication) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeAuthentication, "credential refresh rejected")
}
