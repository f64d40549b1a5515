package medallia

import (
	"strconv"

	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// Feedback is the staged form of a Medallia feedback record.
type Feedback struct {
	FeedbackID   string              `json:"feedback_id"`
	Account      string              `json:"account"`
	UnitID       string              `json:"unit_id,omitempty"`
	ResponseDate string              `json:"response_date"`
	Status       string              `json:"status,omitempty"`
	LTR          *int                `json:"ltr"`
	Comment      string              `json:"comment,omitempty"`
	Fields       map[string][]string `json:"fields"`
}

// TransformFeedback maps a landed feedback node to its staged form. The
// likelihood-to-recommend score is kept only when it is an integer 0-10.
func TransformFeedback(rec models.RawRecord) (*models.StagedEntity, error) {
	var node feedbackNode
	if err := jsonpool.Unmarshal(rec.Payload, &node); err != nil {
		return nil, core.DataError(rec, "medallia feedback is not valid JSON: %v", err)
	}
	if node.ID == "" {
		return nil, core.DataError(rec, "medallia feedback has no id")
	}
	responded, ok := core.ParseTime(node.field(responseDateField))
	if !ok {
		return nil, core.DataError(rec, "medallia feedback %s has no readable %s", node.ID, responseDateField)
	}

	out := Feedback{
		FeedbackID:   node.ID,
		Account:      rec.Account,
		UnitID:       node.field(unitField),
		ResponseDate: responded.Format("2006-01-02T15:04:05Z07:00"),
		Status:       node.field("e_status"),
		Comment:      node.field("q_comment"),
		Fields:       make(map[string][]string, len(node.FieldDataList)),
	}
	if v, err := strconv.Atoi(node.field("q_ltr")); err == nil && v >= 0 && v <= 10 {
		out.LTR = &v
	}
	for _, fd := range node.FieldDataList {
		if fd.Field.ID != "" {
			out.Fields[fd.Field.ID] = fd.Values
		}
	}

	return core.NewStagedEntity(rec, node.ID, responded, out)
}
