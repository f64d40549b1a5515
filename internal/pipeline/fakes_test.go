package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tidewater/pkg/alerting"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/lease"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/retry"
	"github.com/ajitpratap0/tidewater/pkg/testutil"
	"github.com/ajitpratap0/tidewater/pkg/warehouse/sqlstore"
)

const fakeSourceName = "fake_orders"

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// order is one record in the fake provider's dataset.
type order struct {
	id        string
	updated   time.Time
	amount    int
	malformed bool
}

func (o order) payload() []byte {
	if o.malformed {
		return []byte(fmt.Sprintf(`{"id":%q,"updated_at":"yesterday-ish"}`, o.id))
	}
	return []byte(fmt.Sprintf(`{"id":%q,"updated_at":%q,"amount":%d}`, o.id, o.updated.Format(time.RFC3339Nano), o.amount))
}

// fakeSource serves orders updated after the watermark, oldest first, in
// pages of PageSize with an offset cursor.
type fakeSource struct {
	mu       sync.Mutex
	data     map[string][]order
	failures map[string][]error
	calls    map[string]int
	// rejectToken is a credential the provider answers with 401
	rejectToken string
	delay       time.Duration
	inFlight    int
	peak        int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		data:     map[string][]order{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

func (s *fakeSource) Name() string       { return fakeSourceName }
func (s *fakeSource) EntityType() string { return "Order" }

func (s *fakeSource) set(account string, orders ...order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[account] = orders
}

func (s *fakeSource) failNext(account string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[account] = append(s.failures[account], errs...)
}

func (s *fakeSource) callCount(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[account]
}

func (s *fakeSource) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	s.mu.Lock()
	account := req.Account.ID
	s.calls[account]++
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	var injected error
	if q := s.failures[account]; len(q) > 0 {
		injected, s.failures[account] = q[0], q[1:]
	}
	rejected := s.rejectToken != "" && req.Credential.AccessToken == s.rejectToken
	var eligible []order
	for _, o := range s.data[account] {
		if req.Watermark.Cursor.IsZero() || o.updated.After(req.Watermark.Cursor.Timestamp) {
			eligible = append(eligible, o)
		}
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if injected != nil {
		return nil, injected
	}
	if rejected {
		return nil, errors.New(errors.ErrorTypeAuthRejected, "provider returned 401")
	}

	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}
	end := min(offset+req.PageSize, len(eligible))

	page := &core.Page{}
	for _, o := range eligible[offset:end] {
		page.Records = append(page.Records, core.RawItem{Key: o.id, Payload: o.payload()})
	}
	if end > 0 {
		page.HighWater = models.TimestampCursor(eligible[end-1].updated)
	}
	if end < len(eligible) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func transformOrder(rec models.RawRecord) (*models.StagedEntity, error) {
	var p struct {
		ID        string `json:"id"`
		UpdatedAt string `json:"updated_at"`
		Amount    int    `json:"amount"`
	}
	if err := jsonpool.Unmarshal(rec.Payload, &p); err != nil {
		return nil, core.DataError(rec, "decoding order: %v", err)
	}
	updated, ok := core.ParseTime(p.UpdatedAt)
	if !ok {
		return nil, core.DataError(rec, "order %s has unreadable updated_at %q", p.ID, p.UpdatedAt)
	}
	return core.NewStagedEntity(rec, p.ID, updated, map[string]interface{}{"id": p.ID, "amount": p.Amount})
}

// fakeCreds issues tokens from a queue, then "fresh". Cached tokens survive
// until Invalidate.
type fakeCreds struct {
	mu            sync.Mutex
	queue         []string
	cached        map[models.AccountKey]string
	fail          map[string]error
	invalidations int
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{cached: map[models.AccountKey]string{}, fail: map[string]error{}}
}

func (c *fakeCreds) Get(_ context.Context, key models.AccountKey) (models.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[key.Account]; err != nil {
		return models.Credential{}, err
	}
	token, ok := c.cached[key]
	if !ok {
		token = "fresh"
		if len(c.queue) > 0 {
			token, c.queue = c.queue[0], c.queue[1:]
		}
		c.cached[key] = token
	}
	return models.Credential{Source: key.Source, Account: key.Account, AccessToken: token}, nil
}

func (c *fakeCreds) Invalidate(key models.AccountKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations++
	delete(c.cached, key)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (s *recordingSink) Emit(_ context.Context, a alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) all() []alerting.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerting.Alert(nil), s.alerts...)
}

// harness wires an orchestrator over a temp SQLite warehouse and the fakes.
// Tests adjust cfg, leaser or archiver before the first call to orch.
type harness struct {
	t        *testing.T
	cfg      *config.Config
	store    *sqlstore.Store
	src      *fakeSource
	creds    *fakeCreds
	alerts   *recordingSink
	leaser   lease.Leaser
	archiver Archiver
	o        *Orchestrator
}

func newHarness(t *testing.T, accounts ...string) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.PageSize = 2
	cfg.Pipeline.Concurrency = 2
	cfg.Pipeline.RetryInitialDelay = time.Millisecond
	for _, a := range accounts {
		cfg.Accounts = append(cfg.Accounts, models.Account{Source: fakeSourceName, ID: a, CredentialRef: "fake"})
	}

	return &harness{
		t:      t,
		cfg:    cfg,
		store:  testutil.NewWarehouse(t),
		src:    newFakeSource(),
		creds:  newFakeCreds(),
		alerts: &recordingSink{},
		leaser: lease.NewLocal(),
	}
}

func (h *harness) orch() *Orchestrator {
	h.t.Helper()
	if h.o != nil {
		return h.o
	}
	reg := registry.NewRegistry()
	require.NoError(h.t, reg.Register(registry.Registration{
		Name:       fakeSourceName,
		EntityType: "Order",
		NewSource: func(registry.Deps) (core.Source, error) {
			return h.src, nil
		},
		Transformer: core.TransformerFunc(transformOrder),
	}))

	o, err := New(Deps{
		Config:      h.cfg,
		Registry:    reg,
		Warehouse:   h.store,
		Credentials: h.creds,
		Leaser:      h.leaser,
		Alerts:      h.alerts,
		Archiver:    h.archiver,
		Logger:      testutil.TestLogger(h.t),
	}, WithSleep(retry.NoWait))
	require.NoError(h.t, err)
	h.o = o
	return o
}

func (h *harness) run(account string) (*models.RunResult, error) {
	h.t.Helper()
	return h.orch().Run(context.Background(), key(account), t0.Add(24*time.Hour))
}

func (h *harness) watermark(account string) models.Watermark {
	h.t.Helper()
	wm, err := h.store.GetWatermark(context.Background(), key(account))
	require.NoError(h.t, err)
	return wm
}

func (h *harness) loaded(naturalKey string) *models.LoadedEntity {
	h.t.Helper()
	e, err := h.store.Loaded(context.Background(), fakeSourceName, "Order", naturalKey)
	require.NoError(h.t, err)
	return e
}

func (h *harness) countLoaded() int {
	h.t.Helper()
	n, err := h.store.CountLoaded(context.Background(), fakeSourceName, "Order")
	require.NoError(h.t, err)
	return n
}

// assertFailedBatch checks that a run which failed while extracting left a
// failed batch behind.
func (h *harness) assertFailedBatch(res *models.RunResult) {
	h.t.Helper()
	require.NotEmpty(h.t, res.BatchID)
	batch, err := h.store.Batch(context.Background(), res.BatchID)
	require.NoError(h.t, err)
	assert.Equal(h.t, models.BatchFailed, batch.Status)
	assert.Equal(h.t, res.RunID, batch.RunID)
	assert.Equal(h.t, 0, batch.RecordCount)
	assert.NotEmpty(h.t, batch.Error)

	events, err := h.store.BatchEvents(context.Background(), res.BatchID)
	require.NoError(h.t, err)
	require.Len(h.t, events, 1)
	assert.Equal(h.t, models.BatchFailed, events[0].ToStatus)
}

func key(account string) models.AccountKey {
	return models.AccountKey{Source: fakeSourceName, Account: account}
}

// orders returns n well-formed orders a minute apart starting at t0.
func orders(n int) []order {
	out := make([]order, n)
	for i := range out {
		out[i] = order{id: fmt.Sprintf("o-%03d", i), updated: t0.Add(time.Duration(i) * time.Minute), amount: 10 + i}
	}
	return out
}
