// Package qualtrics exports survey responses through the Qualtrics
// response-export API.
//
// Each run performs one export. The first export for an account starts from
// the optional start_date option with continuation enabled; later exports
// pass the continuation token committed as the account's watermark, so
// Qualtrics only returns responses recorded since the previous export.
package qualtrics

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/retry"
)

const (
	// SourceName is the registered name of the integration
	SourceName = "qualtrics"
	// DefaultBaseURL is the default Qualtrics datacenter
	DefaultBaseURL = "https://iad1.qualtrics.com"

	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 150
)

func init() {
	registry.MustRegister(registry.Registration{
		Name:       SourceName,
		EntityType: "survey_response",
		NewSource: func(deps registry.Deps) (core.Source, error) {
			return NewSource(deps)
		},
		Transformer: core.TransformerFunc(TransformResponse),
		Defaults:    registry.Defaults{BaseURL: DefaultBaseURL, RequestsPerSecond: 5, Burst: 5},
	})
}

// Source runs response exports for one survey per account.
type Source struct {
	client *clients.Client
	logger *zap.Logger

	pollInterval time.Duration
	maxPolls     int
	sleep        retry.SleepFunc
}

// NewSource creates the Qualtrics source. The poll_interval source option
// sets how often export progress is checked.
func NewSource(deps registry.Deps) (*Source, error) {
	if deps.Client == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "qualtrics source needs an HTTP client")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Source{
		client:       deps.Client,
		logger:       logger.With(zap.String("component", "source"), zap.String("source", SourceName)),
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
		sleep:        retry.TimerSleep,
	}
	if v := deps.Config.Options["poll_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "qualtrics poll_interval must be a duration, got %q", v)
		}
		s.pollInterval = d
	}
	return s, nil
}

// WithSleep replaces the wait between progress polls.
func (s *Source) WithSleep(sleep retry.SleepFunc) *Source {
	s.sleep = sleep
	return s
}

// Name returns the source name
func (s *Source) Name() string { return SourceName }

// EntityType returns the entity type produced
func (s *Source) EntityType() string { return "survey_response" }

type exportRequest struct {
	Format            string `json:"format"`
	Compress          bool   `json:"compress"`
	AllowContinuation bool   `json:"allowContinuation,omitempty"`
	ContinuationToken string `json:"continuationToken,omitempty"`
	StartDate         string `json:"startDate,omitempty"`
	EndDate           string `json:"endDate,omitempty"`
}

type envelope struct {
	Result struct {
		ProgressID        string  `json:"progressId"`
		PercentComplete   float64 `json:"percentComplete"`
		Status            string  `json:"status"`
		FileID            string  `json:"fileId"`
		ContinuationToken string  `json:"continuationToken"`
	} `json:"result"`
	Meta struct {
		HTTPStatus string `json:"httpStatus"`
		RequestID  string `json:"requestId"`
	} `json:"meta"`
}

// FetchPage runs one full export: start, poll until complete, download.
// The whole export is one page; the new continuation token is its high water.
func (s *Source) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	surveyID := req.Account.Option("survey_id", req.Account.ID)
	base := core.Endpoint(req.Account, fmt.Sprintf("/API/v3/surveys/%s/export-responses", url.PathEscape(surveyID)))
	cred := req.Credential

	body := exportRequest{Format: "json", Compress: false}
	if wm := req.Watermark.Cursor; wm.Kind == models.CursorToken && wm.Token != "" {
		body.ContinuationToken = wm.Token
	} else {
		body.AllowContinuation = true
		if v := req.Account.Option("start_date", ""); v != "" {
			body.StartDate = v
		}
		if !req.AsOf.IsZero() {
			body.EndDate = req.AsOf.UTC().Format(time.RFC3339)
		}
	}

	var started envelope
	if err := s.client.PostJSON(ctx, &clients.Request{Path: base, Credential: &cred}, body, &started); err != nil {
		return nil, errors.Annotate(err, "starting qualtrics export")
	}
	if started.Result.ProgressID == "" {
		return nil, errors.New(errors.ErrorTypeRemote, "qualtrics export did not return a progress id")
	}

	progress, err := s.await(ctx, base, started.Result.ProgressID, &cred)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(ctx, &clients.Request{
		Path:       fmt.Sprintf("%s/%s/file", base, url.PathEscape(progress.Result.FileID)),
		Credential: &cred,
	})
	if err != nil {
		return nil, errors.Annotate(err, "downloading qualtrics export")
	}

	var file struct {
		Responses []jsonpool.RawMessage `json:"responses"`
	}
	if err := resp.Decode(&file); err != nil {
		return nil, err
	}

	page := &core.Page{Records: make([]core.RawItem, 0, len(file.Responses))}
	for _, r := range file.Responses {
		var ref struct {
			ResponseID string `json:"responseId"`
		}
		_ = jsonpool.Unmarshal(r, &ref)
		page.Records = append(page.Records, core.RawItem{Key: ref.ResponseID, Payload: r})
	}
	if progress.Result.ContinuationToken != "" {
		page.HighWater = models.TokenCursor(progress.Result.ContinuationToken)
	}

	s.logger.Info("qualtrics export complete",
		zap.String("account", req.Account.ID),
		zap.String("survey_id", surveyID),
		zap.Int("responses", len(page.Records)),
		zap.Bool("continued", body.ContinuationToken != ""))
	return page, nil
}

func (s *Source) await(ctx context.Context, base, progressID string, cred *models.Credential) (*envelope, error) {
	path := fmt.Sprintf("%s/%s", base, url.PathEscape(progressID))

	for poll := 0; poll < s.maxPolls; poll++ {
		var progress envelope
		if err := s.client.GetJSON(ctx, &clients.Request{Path: path, Credential: cred}, &progress); err != nil {
			return nil, errors.Annotate(err, "polling qualtrics export")
		}

		switch progress.Result.Status {
		case "complete":
			if progress.Result.FileID == "" {
				return nil, errors.New(errors.ErrorTypeRemote, "qualtrics export completed without a file id")
			}
			return &progress, nil
		case "failed":
			return nil, errors.Newf(errors.ErrorTypeRemote, "qualtrics export %s failed", progressID).
				WithDetail("request_id", progress.Meta.RequestID)
		}

		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "waiting for qualtrics export")
		}
	}
	return nil, errors.Newf(errors.ErrorTypeTimeout, "qualtrics export %s still running after %d polls", progressID, s.maxPolls)
}
