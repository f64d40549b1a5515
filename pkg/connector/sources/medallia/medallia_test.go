package medallia

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/retry"
)

func node(id, date, ltr string) string {
	return fmt.Sprintf(`{"id":%q,"fieldDataList":[{"field":{"id":"e_responsedate"},"values":[%q]},`+
		`{"field":{"id":"e_unitid"},"values":["unit-7"]},{"field":{"id":"q_ltr"},"values":[%q]}]}`, id, date, ltr)
}

func newSource(t *testing.T, srv *httptest.Server, opts map[string]string) *Source {
	t.Helper()
	client := clients.NewHTTPClient(SourceName, &clients.HTTPConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		Retry:          retry.None(),
	}, zaptest.NewLogger(t))
	src, err := NewSource(registry.Deps{Client: client, Config: config.SourceConfig{Options: opts}})
	require.NoError(t, err)
	return src
}

func TestFetchPagePaging(t *testing.T) {
	var requests []graphQLRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, queryPath, r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		var req graphQLRequest
		assert.NoError(t, jsonpool.Unmarshal(raw, &req))
		requests = append(requests, req)

		if req.Variables["after"] == nil {
			fmt.Fprintf(w, `{"data":{"feedback":{"pageInfo":{"endCursor":"c1","hasNextPage":true},"nodes":[%s,%s]}}}`,
				node("f1", "2024-03-01T10:00:00Z", "9"), node("f2", "2024-03-01T12:00:00Z", "7"))
			return
		}
		fmt.Fprintf(w, `{"data":{"feedback":{"pageInfo":{"endCursor":"c2","hasNextPage":false},"nodes":[%s]}}}`,
			node("f3", "2024-03-01T13:00:00Z", "10"))
	}))
	defer srv.Close()

	src := newSource(t, srv, map[string]string{"fields": "q_visit_date, q_ltr"})
	assert.Contains(t, src.fields, "q_visit_date")
	assert.Len(t, src.fields, len(defaultFields)+1)

	req := core.PageRequest{
		Account:   models.Account{Source: SourceName, ID: "unit-7"},
		Watermark: models.Watermark{Cursor: models.TimestampCursor(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))},
		AsOf:      time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		PageSize:  2,
	}
	page, err := src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "c1", page.NextCursor)
	assert.Equal(t, models.TimestampCursor(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), page.HighWater)

	req.Cursor = page.NextCursor
	page, err = src.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "f3", page.Records[0].Key)
	assert.Empty(t, page.NextCursor)

	require.Len(t, requests, 2)
	assert.Equal(t, "c1", requests[1].Variables["after"])
	filter := fmt.Sprint(requests[0].Variables["filter"])
	assert.Contains(t, filter, "2024-03-01T00:00:00Z")
	assert.Contains(t, filter, "unit-7")
}

func TestFetchPageGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"unknown field q_bogus"}]}`)
	}))
	defer srv.Close()

	_, err := newSource(t, srv, nil).FetchPage(context.Background(), core.PageRequest{Account: models.Account{ID: "u"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "q_bogus")
}

func TestTransformFeedback(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ltr     string
		wantErr bool
	}{
		{"valid", node("f1", "2024-03-01T10:00:00Z", "9"), `"ltr":9`, false},
		{"ltr out of range", node("f1", "2024-03-01T10:00:00Z", "42"), `"ltr":null`, false},
		{"no date", `{"id":"f1","fieldDataList":[]}`, "", true},
		{"no id", node("", "2024-03-01T10:00:00Z", "1"), "", true},
		{"not json", `[`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := models.RawRecord{Source: SourceName, EntityType: "feedback", Account: "unit-7", BatchID: "b", Payload: []byte(tt.payload)}
			staged, err := TransformFeedback(rec)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeData))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "f1", staged.NaturalKey)
			assert.Contains(t, string(staged.Attributes), tt.ltr)
			assert.Contains(t, string(staged.Attributes), `"unit_id":"unit-7"`)
		})
	}
}
