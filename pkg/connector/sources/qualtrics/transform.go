package qualtrics

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

type responsePayload struct {
	ResponseID string                 `json:"responseId"`
	Values     map[string]interface{} `json:"values"`
}

// Response is the staged form of a survey response. Answers holds every
// question value keyed by question id.
type Response struct {
	ResponseID          string                 `json:"response_id"`
	Account             string                 `json:"account"`
	RecordedAt          string                 `json:"recorded_at"`
	StartedAt           string                 `json:"started_at,omitempty"`
	EndedAt             string                 `json:"ended_at,omitempty"`
	Finished            bool                   `json:"finished"`
	Progress            string                 `json:"progress,omitempty"`
	DurationSeconds     string                 `json:"duration_seconds,omitempty"`
	DistributionChannel string                 `json:"distribution_channel,omitempty"`
	Answers             map[string]interface{} `json:"answers"`
	QuestionIDs         []string               `json:"question_ids"`
}

// TransformResponse maps a landed export response to its staged form.
func TransformResponse(rec models.RawRecord) (*models.StagedEntity, error) {
	var p responsePayload
	if err := jsonpool.Decode(rec.Payload, &p); err != nil {
		return nil, core.DataError(rec, "qualtrics response is not valid JSON: %v", err)
	}
	if p.ResponseID == "" {
		return nil, core.DataError(rec, "qualtrics response has no responseId")
	}

	recorded, ok := core.ParseTime(stringValue(p.Values, "recordedDate"))
	if !ok {
		return nil, core.DataError(rec, "qualtrics response %s has no readable recordedDate", p.ResponseID)
	}

	out := Response{
		ResponseID:          p.ResponseID,
		Account:             rec.Account,
		RecordedAt:          recorded.Format("2006-01-02T15:04:05Z07:00"),
		StartedAt:           stringValue(p.Values, "startDate"),
		EndedAt:             stringValue(p.Values, "endDate"),
		Finished:            stringValue(p.Values, "finished") == "1" || stringValue(p.Values, "finished") == "true",
		Progress:            stringValue(p.Values, "progress"),
		DurationSeconds:     stringValue(p.Values, "duration"),
		DistributionChannel: stringValue(p.Values, "distributionChannel"),
		Answers:             map[string]interface{}{},
	}
	for key, v := range p.Values {
		if strings.HasPrefix(key, "QID") {
			out.Answers[key] = v
		}
	}
	out.QuestionIDs = make([]string, 0, len(out.Answers))
	for key := range out.Answers {
		out.QuestionIDs = append(out.QuestionIDs, key)
	}
	sort.Strings(out.QuestionIDs)

	return core.NewStagedEntity(rec, p.ResponseID, recorded, out)
}

func stringValue(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case jsonpool.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
