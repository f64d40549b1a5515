package toast

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

const (
	menusMetadataPath = "/menus/v2/metadata"
	menusPath         = "/menus/v2/menus"
)

// menuEnvelope is the landed form of one menu. Toast versions the menu
// document as a whole, so each menu carries the document's lastUpdated.
type menuEnvelope struct {
	RestaurantGUID string              `json:"restaurantGuid"`
	LastUpdated    string              `json:"lastUpdated"`
	Menu           jsonpool.RawMessage `json:"menu"`
}

// MenusSource pulls the published menus of a restaurant whenever Toast
// reports a newer lastUpdated than the watermark.
type MenusSource struct {
	client *clients.Client
	logger *zap.Logger
}

// NewMenusSource creates the menus source
func NewMenusSource(deps registry.Deps) (*MenusSource, error) {
	if deps.Client == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "toast menus source needs an HTTP client")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MenusSource{
		client: deps.Client,
		logger: logger.With(zap.String("component", "source"), zap.String("source", MenusSourceName)),
	}, nil
}

// Name returns the source name
func (s *MenusSource) Name() string { return MenusSourceName }

// EntityType returns the entity type produced
func (s *MenusSource) EntityType() string { return "menu" }

// FetchPage returns every menu in a single page, or nothing when the
// published menus have not changed since the watermark.
func (s *MenusSource) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	cred := req.Credential
	header := http.Header{restaurantHeader: []string{restaurantGUID(req.Account)}}

	var meta struct {
		RestaurantGUID string `json:"restaurantGuid"`
		LastUpdated    string `json:"lastUpdated"`
	}
	err := s.client.GetJSON(ctx, &clients.Request{
		Path:       core.Endpoint(req.Account, menusMetadataPath),
		Header:     header,
		Credential: &cred,
	}, &meta)
	if err != nil {
		return nil, errors.Annotate(err, "fetching toast menu metadata")
	}

	updated, ok := parseTime(meta.LastUpdated)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "toast menu metadata has unreadable lastUpdated %q", meta.LastUpdated)
	}
	if wm := req.Watermark.Cursor; wm.Kind == models.CursorTimestamp && !updated.After(wm.Timestamp) {
		s.logger.Debug("toast menus unchanged",
			zap.String("account", req.Account.ID),
			zap.Time("last_updated", updated))
		return &core.Page{}, nil
	}

	var doc struct {
		RestaurantGUID string                `json:"restaurantGuid"`
		LastUpdated    string                `json:"lastUpdated"`
		Menus          []jsonpool.RawMessage `json:"menus"`
	}
	err = s.client.GetJSON(ctx, &clients.Request{
		Path:       core.Endpoint(req.Account, menusPath),
		Header:     header,
		Credential: &cred,
	}, &doc)
	if err != nil {
		return nil, errors.Annotate(err, "fetching toast menus")
	}

	// the document may be newer than the metadata we compared against
	if v, ok := parseTime(doc.LastUpdated); ok && v.After(updated) {
		updated = v
	}

	page := &core.Page{
		Records:   make([]core.RawItem, 0, len(doc.Menus)),
		HighWater: models.TimestampCursor(updated),
	}
	for _, menu := range doc.Menus {
		var ref struct {
			GUID string `json:"guid"`
		}
		_ = jsonpool.Unmarshal(menu, &ref)

		payload, err := jsonpool.Marshal(menuEnvelope{
			RestaurantGUID: doc.RestaurantGUID,
			LastUpdated:    formatTime(updated),
			Menu:           menu,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encoding menu envelope")
		}
		page.Records = append(page.Records, core.RawItem{Key: ref.GUID, Payload: payload})
	}
	return page, nil
}
