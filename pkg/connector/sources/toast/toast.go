// Package toast integrates the Toast POS orders and menus APIs.
//
// Both sources authenticate with a Toast machine-client token and scope
// every request to one restaurant through the Toast-Restaurant-External-ID
// header. Orders are pulled in time slices of the modified-date window so a
// page cap still lets the watermark advance to the last completed slice.
package toast

import (
	"time"

	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

const (
	// OrdersSourceName is the registered name of the orders integration
	OrdersSourceName = "toast_orders"
	// MenusSourceName is the registered name of the menus integration
	MenusSourceName = "toast_menus"

	// DefaultBaseURL is the Toast production API host
	DefaultBaseURL = "https://ws-api.toasttab.com"

	restaurantHeader = "Toast-Restaurant-External-ID"

	// Toast accepts and emits timestamps in this layout
	timeLayout = "2006-01-02T15:04:05.000-0700"

	maxPageSize = 100
)

func init() {
	defaults := registry.Defaults{BaseURL: DefaultBaseURL, RequestsPerSecond: 10, Burst: 10}

	registry.MustRegister(registry.Registration{
		Name:       OrdersSourceName,
		EntityType: "order",
		NewSource: func(deps registry.Deps) (core.Source, error) {
			return NewOrdersSource(deps)
		},
		Transformer: core.TransformerFunc(TransformOrder),
		Defaults:    defaults,
	})
	registry.MustRegister(registry.Registration{
		Name:       MenusSourceName,
		EntityType: "menu",
		NewSource: func(deps registry.Deps) (core.Source, error) {
			return NewMenusSource(deps)
		},
		Transformer: core.TransformerFunc(TransformMenu),
		Defaults:    defaults,
	})
}

// restaurantGUID is the restaurant an account maps to. The account id is
// used unless the restaurant_guid option overrides it.
func restaurantGUID(account models.Account) string {
	return account.Option("restaurant_guid", account.ID)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, bool) {
	if t, err := time.Parse(timeLayout, v); err == nil {
		return t.UTC(), true
	}
	return core.ParseTime(v)
}
