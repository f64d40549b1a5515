package toast

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

const (
	ordersPath = "/orders/v2/ordersBulk"

	defaultSlice    = time.Hour
	defaultBackfill = 7 * 24 * time.Hour
)

// OrdersSource pulls orders by modified date.
type OrdersSource struct {
	client *clients.Client
	logger *zap.Logger

	slice    time.Duration
	backfill time.Duration
}

// NewOrdersSource creates the orders source. The slice and backfill source
// options set the slice width and the first-run lookback.
func NewOrdersSource(deps registry.Deps) (*OrdersSource, error) {
	if deps.Client == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "toast orders source needs an HTTP client")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &OrdersSource{
		client:   deps.Client,
		logger:   logger.With(zap.String("component", "source"), zap.String("source", OrdersSourceName)),
		slice:    defaultSlice,
		backfill: defaultBackfill,
	}

	var err error
	if v := deps.Config.Options["slice"]; v != "" {
		if s.slice, err = parsePositiveDuration("slice", v); err != nil {
			return nil, err
		}
	}
	if v := deps.Config.Options["backfill"]; v != "" {
		if s.backfill, err = parsePositiveDuration("backfill", v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the source name
func (s *OrdersSource) Name() string { return OrdersSourceName }

// EntityType returns the entity type produced
func (s *OrdersSource) EntityType() string { return "order" }

// FetchPage fetches one page of one slice. The cursor is "<slice start unix nanos>:<page>".
func (s *OrdersSource) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	slice, err := parsePositiveDuration("slice", req.Account.Option("slice", s.slice.String()))
	if err != nil {
		return nil, err
	}

	start, page, err := s.position(req)
	if err != nil {
		return nil, err
	}
	if !start.Before(req.AsOf) {
		return &core.Page{}, nil
	}

	end := start.Add(slice)
	if end.After(req.AsOf) {
		end = req.AsOf
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := url.Values{}
	query.Set("startDate", formatTime(start))
	query.Set("endDate", formatTime(end))
	query.Set("pageSize", strconv.Itoa(pageSize))
	query.Set("page", strconv.Itoa(page))

	cred := req.Credential
	resp, err := s.client.Do(ctx, &clients.Request{
		Method:     http.MethodGet,
		Path:       core.Endpoint(req.Account, ordersPath),
		Query:      query,
		Header:     http.Header{restaurantHeader: []string{restaurantGUID(req.Account)}},
		Credential: &cred,
	})
	if err != nil {
		return nil, errors.Annotate(err, fmt.Sprintf("fetching toast orders %s page %d", formatTime(start), page))
	}

	var raw []jsonpool.RawMessage
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	out := &core.Page{Records: make([]core.RawItem, 0, len(raw))}
	for _, item := range raw {
		var ref struct {
			GUID string `json:"guid"`
		}
		// an unreadable guid is caught again by the transformer
		_ = jsonpool.Unmarshal(item, &ref)
		out.Records = append(out.Records, core.RawItem{Key: ref.GUID, Payload: item})
	}

	if len(raw) >= pageSize {
		out.NextCursor = encodeCursor(start, page+1)
		return out, nil
	}

	// slice exhausted
	out.HighWater = models.TimestampCursor(end)
	if end.Before(req.AsOf) {
		out.NextCursor = encodeCursor(end, 1)
	}

	s.logger.Debug("toast slice complete",
		zap.String("account", req.Account.ID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("pages", page))
	return out, nil
}

func (s *OrdersSource) position(req core.PageRequest) (time.Time, int, error) {
	if req.Cursor != "" {
		return decodeCursor(req.Cursor)
	}
	if wm := req.Watermark.Cursor; wm.Kind == models.CursorTimestamp && !wm.Timestamp.IsZero() {
		return wm.Timestamp.UTC(), 1, nil
	}

	backfill, err := parsePositiveDuration("backfill", req.Account.Option("backfill", s.backfill.String()))
	if err != nil {
		return time.Time{}, 0, err
	}
	return req.AsOf.Add(-backfill).UTC(), 1, nil
}

func encodeCursor(start time.Time, page int) string {
	return fmt.Sprintf("%d:%d", start.UnixNano(), page)
}

func decodeCursor(cursor string) (time.Time, int, error) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, errors.Newf(errors.ErrorTypeValidation, "malformed toast cursor %q", cursor)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, 0, errors.Wrap(err, errors.ErrorTypeValidation, "malformed toast cursor")
	}
	page, err := strconv.Atoi(parts[1])
	if err != nil || page < 1 {
		return time.Time{}, 0, errors.Newf(errors.ErrorTypeValidation, "malformed toast cursor %q", cursor)
	}
	return time.Unix(0, nanos).UTC(), page, nil
}

func parsePositiveDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, errors.Newf(errors.ErrorTypeConfig, "toast option %s must be a positive duration, got %q", name, v)
	}
	return d, nil
}
