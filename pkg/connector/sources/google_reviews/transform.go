package googlereviews

import (
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

var starRatings = map[string]int{
	"ONE":   1,
	"TWO":   2,
	"THREE": 3,
	"FOUR":  4,
	"FIVE":  5,
}

type reviewPayload struct {
	ReviewID   string `json:"reviewId"`
	Name       string `json:"name"`
	StarRating string `json:"starRating"`
	Comment    string `json:"comment"`
	CreateTime string `json:"createTime"`
	UpdateTime string `json:"updateTime"`
	Reviewer   struct {
		DisplayName string `json:"displayName"`
		IsAnonymous bool   `json:"isAnonymous"`
	} `json:"reviewer"`
	ReviewReply *struct {
		Comment    string `json:"comment"`
		UpdateTime string `json:"updateTime"`
	} `json:"reviewReply"`
}

// Review is the staged form of a Google review.
type Review struct {
	ReviewID       string `json:"review_id"`
	Account        string `json:"account"`
	ResourceName   string `json:"resource_name,omitempty"`
	StarRating     int    `json:"star_rating"`
	Comment        string `json:"comment,omitempty"`
	Reviewer       string `json:"reviewer,omitempty"`
	Anonymous      bool   `json:"anonymous"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at"`
	Replied        bool   `json:"replied"`
	ReplyComment   string `json:"reply_comment,omitempty"`
	ReplyUpdatedAt string `json:"reply_updated_at,omitempty"`
}

// TransformReview maps a landed review to its staged form.
func TransformReview(rec models.RawRecord) (*models.StagedEntity, error) {
	var p reviewPayload
	if err := jsonpool.Unmarshal(rec.Payload, &p); err != nil {
		return nil, core.DataError(rec, "google review is not valid JSON: %v", err)
	}
	if p.ReviewID == "" {
		return nil, core.DataError(rec, "google review has no reviewId")
	}
	updated, ok := core.ParseTime(p.UpdateTime)
	if !ok {
		return nil, core.DataError(rec, "google review %s has unreadable updateTime %q", p.ReviewID, p.UpdateTime)
	}
	stars, ok := starRatings[p.StarRating]
	if !ok {
		return nil, core.DataError(rec, "google review %s has unknown starRating %q", p.ReviewID, p.StarRating)
	}

	out := Review{
		ReviewID:     p.ReviewID,
		Account:      rec.Account,
		ResourceName: p.Name,
		StarRating:   stars,
		Comment:      p.Comment,
		Reviewer:     p.Reviewer.DisplayName,
		Anonymous:    p.Reviewer.IsAnonymous,
		CreatedAt:    p.CreateTime,
		UpdatedAt:    updated.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if p.ReviewReply != nil {
		out.Replied = true
		out.ReplyComment = p.ReviewReply.Comment
		out.ReplyUpdatedAt = p.ReviewReply.UpdateTime
	}

	return core.NewStagedEntity(rec, p.ReviewID, updated, out)
}
