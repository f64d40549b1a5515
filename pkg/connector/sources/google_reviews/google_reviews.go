// Package googlereviews pulls Google Business Profile reviews for a location.
//
// Reviews are listed newest first by update time. Extraction pages down to
// the watermark and commits the newest update time seen once it gets there.
// A run cut short by the page cap commits a token watermark instead, and the
// next run resumes the same pass from that page.
package googlereviews

import (
	"context"
	"fmt"
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
	// SourceName is the registered name of the integration
	SourceName = "google_reviews"
	// DefaultBaseURL is the Business Profile API host
	DefaultBaseURL = "https://mybusiness.googleapis.com"

	maxPageSize = 50
)

func init() {
	registry.MustRegister(registry.Registration{
		Name:       SourceName,
		EntityType: "review",
		NewSource: func(deps registry.Deps) (core.Source, error) {
			return NewSource(deps)
		},
		Transformer: core.TransformerFunc(TransformReview),
		Defaults:    registry.Defaults{BaseURL: DefaultBaseURL, RequestsPerSecond: 5, Burst: 5},
	})
}

// Source lists reviews of one location per account.
type Source struct {
	client *clients.Client
	logger *zap.Logger
}

// NewSource creates the reviews source
func NewSource(deps registry.Deps) (*Source, error) {
	if deps.Client == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "google reviews source needs an HTTP client")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		client: deps.Client,
		logger: logger.With(zap.String("component", "source"), zap.String("source", SourceName)),
	}, nil
}

// Name returns the source name
func (s *Source) Name() string { return SourceName }

// EntityType returns the entity type produced
func (s *Source) EntityType() string { return "review" }

type listResponse struct {
	Reviews          []jsonpool.RawMessage `json:"reviews"`
	NextPageToken    string                `json:"nextPageToken"`
	TotalReviewCount int                   `json:"totalReviewCount"`
}

// FetchPage lists one page of reviews.
func (s *Source) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	st, err := position(req)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := url.Values{}
	query.Set("pageSize", strconv.Itoa(pageSize))
	query.Set("orderBy", "updateTime desc")
	if st.token != "" {
		query.Set("pageToken", st.token)
	}

	location := strings.Trim(req.Account.Option("location", req.Account.ID), "/")
	cred := req.Credential
	var out listResponse
	err = s.client.GetJSON(ctx, &clients.Request{
		Path:       core.Endpoint(req.Account, "/v4/"+location+"/reviews"),
		Query:      query,
		Credential: &cred,
	}, &out)
	if err != nil {
		return nil, errors.Annotate(err, "listing google reviews")
	}

	page := &core.Page{Records: make([]core.RawItem, 0, len(out.Reviews))}
	reachedFloor := false
	for _, raw := range out.Reviews {
		var ref struct {
			ReviewID   string `json:"reviewId"`
			UpdateTime string `json:"updateTime"`
		}
		_ = jsonpool.Unmarshal(raw, &ref)

		updated, ok := core.ParseTime(ref.UpdateTime)
		if ok && !st.floor.IsZero() && !updated.After(st.floor) {
			reachedFloor = true
			break
		}
		if ok && updated.After(st.newest) {
			st.newest = updated
		}
		page.Records = append(page.Records, core.RawItem{Key: ref.ReviewID, Payload: raw})
	}

	if !reachedFloor && out.NextPageToken != "" {
		st.token = out.NextPageToken
		page.NextCursor = st.encode()
		// committed only when the page cap ends the run here
		page.HighWater = models.TokenCursor(page.NextCursor)
		return page, nil
	}

	switch {
	case !st.newest.IsZero():
		page.HighWater = models.TimestampCursor(st.newest)
	case !st.floor.IsZero():
		// nothing newer; an unfinished pass collapses back to its floor
		page.HighWater = models.TimestampCursor(st.floor)
	}
	s.logger.Debug("google reviews pass complete",
		zap.String("account", req.Account.ID),
		zap.Bool("reached_watermark", reachedFloor),
		zap.Stringer("high_water", page.HighWater))
	return page, nil
}

// pagingState is one pass down the newest-first listing. floor is the update
// time the pass stops at and newest the latest update time seen so far.
type pagingState struct {
	floor  time.Time
	newest time.Time
	token  string
}

func position(req core.PageRequest) (pagingState, error) {
	if req.Cursor != "" {
		return decodeState(req.Cursor)
	}
	switch wm := req.Watermark.Cursor; wm.Kind {
	case models.CursorToken:
		return decodeState(wm.Token)
	case models.CursorTimestamp:
		return pagingState{floor: wm.Timestamp.UTC()}, nil
	}
	return pagingState{}, nil
}

// encode renders "<floor unix nanos>|<newest unix nanos>|<page token>".
func (st pagingState) encode() string {
	return fmt.Sprintf("%d|%d|%s", nanos(st.floor), nanos(st.newest), st.token)
}

func decodeState(cursor string) (pagingState, error) {
	parts := strings.SplitN(cursor, "|", 3)
	if len(parts) != 3 {
		return pagingState{}, errors.Newf(errors.ErrorTypeValidation, "malformed google reviews cursor %q", cursor)
	}
	floor, err := fromNanos(parts[0])
	if err != nil {
		return pagingState{}, err
	}
	newest, err := fromNanos(parts[1])
	if err != nil {
		return pagingState{}, err
	}
	return pagingState{floor: floor, newest: newest, token: parts[2]}, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed google reviews cursor")
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n).UTC(), nil
}
