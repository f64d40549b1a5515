package toast

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/retry"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newClient(t *testing.T, srv *httptest.Server) *clients.Client {
	t.Helper()
	return clients.NewHTTPClient("toast", &clients.HTTPConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		Retry:          retry.None(),
	}, zaptest.NewLogger(t))
}

func orderJSON(guid string, modified time.Time) string {
	return fmt.Sprintf(`{"guid":%q,"modifiedDate":%q,"businessDate":20240301,"checks":[{"amount":10.005,"taxAmount":0.8,"totalAmount":10.8,"payments":[{"type":"CREDIT","amount":10.8,"tipAmount":2}]}]}`,
		guid, formatTime(modified))
}

func TestOrdersSourceWalksSlices(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ordersPath, r.URL.Path)
		assert.Equal(t, "rest-1", r.Header.Get(restaurantHeader))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		start := r.URL.Query().Get("startDate")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		seen = append(seen, fmt.Sprintf("%s#%d", start, page))

		switch {
		case start == formatTime(t0) && page == 1:
			fmt.Fprintf(w, "[%s,%s]", orderJSON("o1", t0.Add(time.Minute)), orderJSON("o2", t0.Add(2*time.Minute)))
		case start == formatTime(t0) && page == 2:
			fmt.Fprintf(w, "[%s]", orderJSON("o3", t0.Add(3*time.Minute)))
		default:
			fmt.Fprint(w, "[]")
		}
	}))
	defer srv.Close()

	src, err := NewOrdersSource(registry.Deps{Client: newClient(t, srv), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	req := core.PageRequest{
		Account:    models.Account{Source: OrdersSourceName, ID: "rest-1"},
		Credential: models.Credential{AccessToken: "tok"},
		Watermark:  models.Watermark{Cursor: models.TimestampCursor(t0)},
		AsOf:       t0.Add(2 * time.Hour),
		PageSize:   2,
	}

	page, err := src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "o1", page.Records[0].Key)
	assert.True(t, page.HighWater.IsZero(), "a partially read slice is not safe to commit")
	require.NotEmpty(t, page.NextCursor)

	req.Cursor = page.NextCursor
	page, err = src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, models.TimestampCursor(t0.Add(time.Hour)), page.HighWater)

	req.Cursor = page.NextCursor
	page, err = src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, models.TimestampCursor(t0.Add(2*time.Hour)), page.HighWater)
	assert.Empty(t, page.NextCursor)

	assert.Equal(t, []string{
		formatTime(t0) + "#1",
		formatTime(t0) + "#2",
		formatTime(t0.Add(time.Hour)) + "#1",
	}, seen)
}

func TestOrdersSourceBackfillAndOptions(t *testing.T) {
	var start string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start = r.URL.Query().Get("startDate")
		assert.Equal(t, formatTime(t0.Add(-90*time.Minute)), r.URL.Query().Get("endDate"))
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	src, err := NewOrdersSource(registry.Deps{
		Client: newClient(t, srv),
		Config: config.SourceConfig{Options: map[string]string{"backfill": "2h", "slice": "30m"}},
	})
	require.NoError(t, err)

	page, err := src.FetchPage(context.Background(), core.PageRequest{
		Account: models.Account{ID: "rest-1"},
		AsOf:    t0,
	})
	require.NoError(t, err)
	assert.Equal(t, formatTime(t0.Add(-2*time.Hour)), start)
	assert.NotEmpty(t, page.NextCursor)

	_, err = NewOrdersSource(registry.Deps{
		Client: newClient(t, srv),
		Config: config.SourceConfig{Options: map[string]string{"slice": "-1h"}},
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOrdersSourceWatermarkAtAsOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected when the window is empty")
	}))
	defer srv.Close()

	src, err := NewOrdersSource(registry.Deps{Client: newClient(t, srv)})
	require.NoError(t, err)

	page, err := src.FetchPage(context.Background(), core.PageRequest{
		Watermark: models.Watermark{Cursor: models.TimestampCursor(t0)},
		AsOf:      t0,
	})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.NextCursor)
}

func TestDecodeCursor(t *testing.T) {
	start, page, err := decodeCursor(encodeCursor(t0, 3))
	require.NoError(t, err)
	assert.Equal(t, t0, start)
	assert.Equal(t, 3, page)

	half := t0.Add(500 * time.Millisecond)
	start, _, err = decodeCursor(encodeCursor(half, 1))
	require.NoError(t, err)
	assert.Equal(t, half, start)

	for _, bad := range []string{"x", "1:x", "x:1", "1:0"} {
		_, _, err := decodeCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestOrdersSourceSubSecondSlices(t *testing.T) {
	var starts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		starts = append(starts, r.URL.Query().Get("startDate"))
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	src, err := NewOrdersSource(registry.Deps{
		Client: newClient(t, srv),
		Config: config.SourceConfig{Options: map[string]string{"slice": "500ms"}},
	})
	require.NoError(t, err)

	req := core.PageRequest{
		Account:   models.Account{Source: OrdersSourceName, ID: "rest-1"},
		Watermark: models.Watermark{Cursor: models.TimestampCursor(t0)},
		AsOf:      t0.Add(time.Second),
		PageSize:  2,
	}

	page, err := src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.TimestampCursor(t0.Add(500*time.Millisecond)), page.HighWater)
	require.NotEmpty(t, page.NextCursor)

	req.Cursor = page.NextCursor
	page, err = src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.TimestampCursor(t0.Add(time.Second)), page.HighWater)
	assert.Empty(t, page.NextCursor)

	assert.Equal(t, []string{formatTime(t0), formatTime(t0.Add(500 * time.Millisecond))}, starts)
}

func TestMenusSource(t *testing.T) {
	lastUpdated := t0.Add(5 * time.Hour)
	menusFetched := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rest-1", r.Header.Get(restaurantHeader))
		switch r.URL.Path {
		case menusMetadataPath:
			fmt.Fprintf(w, `{"restaurantGuid":"rest-1","lastUpdated":%q}`, formatTime(lastUpdated))
		case menusPath:
			menusFetched++
			fmt.Fprintf(w, `{"restaurantGuid":"rest-1","lastUpdated":%q,"menus":[{"guid":"m1","name":"Lunch","menuGroups":[{"guid":"g1","name":"Mains","menuItems":[{"guid":"i1","name":"Burger","price":12.5},{"guid":"i2","name":"Market fish","price":null}]}]}]}`,
				formatTime(lastUpdated))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := NewMenusSource(registry.Deps{Client: newClient(t, srv)})
	require.NoError(t, err)

	req := core.PageRequest{
		Account:   models.Account{Source: MenusSourceName, ID: "rest-1"},
		Watermark: models.Watermark{Cursor: models.TimestampCursor(lastUpdated)},
		AsOf:      lastUpdated.Add(time.Hour),
	}
	page, err := src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, 0, menusFetched)

	req.Watermark = models.Watermark{Cursor: models.TimestampCursor(t0)}
	page, err = src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "m1", page.Records[0].Key)
	assert.Equal(t, models.TimestampCursor(lastUpdated), page.HighWater)
	assert.Empty(t, page.NextCursor)

	staged, err := TransformMenu(models.RawRecord{
		Source: MenusSourceName, EntityType: "menu", Account: "rest-1", BatchID: "b1",
		RecordKey: "m1", Payload: page.Records[0].Payload,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", staged.NaturalKey)
	assert.Equal(t, lastUpdated, staged.SourceUpdatedAt)
	assert.Contains(t, string(staged.Attributes), `"item_count":2`)
}

func TestTransformOrder(t *testing.T) {
	rec := models.RawRecord{
		BatchID: "b1", Source: OrdersSourceName, Account: "rest-1", EntityType: "order", RecordKey: "o1",
		Payload: []byte(`{"guid":"o1","modifiedDate":"2024-03-01T10:00:00.000+0000","businessDate":20240301,` +
			`"openedDate":"2024-03-01T09:00:00.000+0000","diningOption":{"guid":"dine-in"},` +
			`"checks":[{"amount":10,"taxAmount":1,"totalAmount":11,"payments":[{"tipAmount":2}]},` +
			`{"amount":99,"taxAmount":9,"totalAmount":108,"voided":true}]}`),
	}

	first, err := TransformOrder(rec)
	require.NoError(t, err)
	second, err := TransformOrder(rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, "o1", first.NaturalKey)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), first.SourceUpdatedAt)
	assert.Contains(t, string(first.Attributes), `"total_amount":11`)
	assert.Contains(t, string(first.Attributes), `"check_count":1`)
	assert.Contains(t, string(first.Attributes), `"business_date":"20240301"`)
	assert.NotEmpty(t, first.ContentHash)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"guid":`},
		{"no guid", `{"modifiedDate":"2024-03-01T10:00:00.000+0000"}`},
		{"bad timestamp", `{"guid":"o1","modifiedDate":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TransformOrder(models.RawRecord{Payload: []byte(tt.payload)})
			assert.True(t, errors.IsType(err, errors.ErrorTypeData))
		})
	}
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{OrdersSourceName, MenusSourceName} {
		reg, err := registry.Get(name)
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseURL, reg.Defaults.BaseURL)
	}
}
