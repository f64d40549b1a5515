// Package medallia pages through Medallia feedback with the Query API's
// GraphQL connection cursors.
package medallia

import (
	"context"
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
	// SourceName is the registered name of the integration
	SourceName = "medallia"
	// DefaultBaseURL is the Medallia Query API gateway
	DefaultBaseURL = "https://api.medallia.com"

	queryPath = "/data/v0/query"

	responseDateField = "e_responsedate"
	unitField         = "e_unitid"

	maxPageSize = 1000
)

// defaultFields are requested for every feedback record.
var defaultFields = []string{responseDateField, unitField, "q_ltr", "q_comment", "e_status"}

const feedbackQuery = `query feedback($first: Int, $after: String, $filter: Filter, $fieldIds: [ID!]) {
  feedback(first: $first, after: $after, filter: $filter, orderBy: [{fieldId: "e_responsedate", direction: ASC}]) {
    pageInfo { endCursor hasNextPage }
    nodes {
      id
      fieldDataList(fieldIds: $fieldIds) { field { id } values }
    }
  }
}`

func init() {
	registry.MustRegister(registry.Registration{
		Name:       SourceName,
		EntityType: "feedback",
		NewSource: func(deps registry.Deps) (core.Source, error) {
			return NewSource(deps)
		},
		Transformer: core.TransformerFunc(TransformFeedback),
		Defaults:    registry.Defaults{BaseURL: DefaultBaseURL, RequestsPerSecond: 2, Burst: 2},
	})
}

// Source queries feedback for one unit per account, ascending by response date.
type Source struct {
	client *clients.Client
	logger *zap.Logger
	fields []string
}

// NewSource creates the Medallia source. The fields source option adds a
// comma separated list of field ids to the default set.
func NewSource(deps registry.Deps) (*Source, error) {
	if deps.Client == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "medallia source needs an HTTP client")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fields := append([]string(nil), defaultFields...)
	for _, f := range strings.Split(deps.Config.Options["fields"], ",") {
		if f = strings.TrimSpace(f); f != "" && !contains(fields, f) {
			fields = append(fields, f)
		}
	}

	return &Source{
		client: deps.Client,
		logger: logger.With(zap.String("component", "source"), zap.String("source", SourceName)),
		fields: fields,
	}, nil
}

// Name returns the source name
func (s *Source) Name() string { return SourceName }

// EntityType returns the entity type produced
func (s *Source) EntityType() string { return "feedback" }

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type feedbackResponse struct {
	Data struct {
		Feedback struct {
			PageInfo struct {
				EndCursor   string `json:"endCursor"`
				HasNextPage bool   `json:"hasNextPage"`
			} `json:"pageInfo"`
			Nodes []jsonpool.RawMessage `json:"nodes"`
		} `json:"feedback"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchPage runs one feedback query. Records arrive oldest first, so the
// latest response date on a page is always safe to commit.
func (s *Source) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filters := []map[string]interface{}{
		{"fieldIds": []string{unitField}, "in": []string{req.Account.Option("unit_id", req.Account.ID)}},
	}
	if wm := req.Watermark.Cursor; wm.Kind == models.CursorTimestamp && !wm.Timestamp.IsZero() {
		filters = append(filters, map[string]interface{}{
			"fieldIds": []string{responseDateField},
			"gte":      wm.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	if !req.AsOf.IsZero() {
		filters = append(filters, map[string]interface{}{
			"fieldIds": []string{responseDateField},
			"lt":       req.AsOf.UTC().Format(time.RFC3339),
		})
	}

	variables := map[string]interface{}{
		"first":    pageSize,
		"filter":   map[string]interface{}{"and": filters},
		"fieldIds": s.fields,
	}
	if req.Cursor != "" {
		variables["after"] = req.Cursor
	}

	cred := req.Credential
	var out feedbackResponse
	err := s.client.PostJSON(ctx, &clients.Request{
		Path:       core.Endpoint(req.Account, queryPath),
		Credential: &cred,
	}, graphQLRequest{Query: feedbackQuery, Variables: variables}, &out)
	if err != nil {
		return nil, errors.Annotate(err, "querying medallia feedback")
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, errors.New(errors.ErrorTypeValidation, "medallia query failed: "+strings.Join(msgs, "; "))
	}

	feedback := out.Data.Feedback
	page := &core.Page{Records: make([]core.RawItem, 0, len(feedback.Nodes))}
	var latest time.Time
	for _, node := range feedback.Nodes {
		var parsed feedbackNode
		_ = jsonpool.Unmarshal(node, &parsed)
		if t, ok := core.ParseTime(parsed.field(responseDateField)); ok && t.After(latest) {
			latest = t
		}
		page.Records = append(page.Records, core.RawItem{Key: parsed.ID, Payload: node})
	}
	if !latest.IsZero() {
		page.HighWater = models.TimestampCursor(latest)
	}
	if feedback.PageInfo.HasNextPage && feedback.PageInfo.EndCursor != "" {
		page.NextCursor = feedback.PageInfo.EndCursor
	}
	return page, nil
}

type feedbackNode struct {
	ID            string      `json:"id"`
	FieldDataList []fieldData `json:"fieldDataList"`
}

type fieldData struct {
	Field struct {
		ID string `json:"id"`
	} `json:"field"`
	Values []string `json:"values"`
}

// field returns the first value of a field, or "".
func (n feedbackNode) field(id string) string {
	for _, fd := range n.FieldDataList {
		if fd.Field.ID == id && len(fd.Values) > 0 {
			return fd.Values[0]
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
