package toast

import (
	"math"

	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

type reference struct {
	GUID string `json:"guid"`
}

type orderPayload struct {
	GUID         string          `json:"guid"`
	ModifiedDate string          `json:"modifiedDate"`
	BusinessDate jsonpool.Number `json:"businessDate"`
	OpenedDate   string          `json:"openedDate"`
	ClosedDate   string          `json:"closedDate"`
	Voided       bool            `json:"voided"`
	Deleted      bool            `json:"deleted"`
	Source       string          `json:"source"`
	DiningOption *reference      `json:"diningOption"`
	Server       *reference      `json:"server"`
	Checks       []checkPayload  `json:"checks"`
}

type checkPayload struct {
	GUID        string           `json:"guid"`
	Amount      float64          `json:"amount"`
	TaxAmount   float64          `json:"taxAmount"`
	TotalAmount float64          `json:"totalAmount"`
	Voided      bool             `json:"voided"`
	Payments    []paymentPayload `json:"payments"`
}

type paymentPayload struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	TipAmount float64 `json:"tipAmount"`
}

// Order is the staged form of a Toast order.
type Order struct {
	OrderGUID    string  `json:"order_guid"`
	Restaurant   string  `json:"restaurant"`
	BusinessDate string  `json:"business_date,omitempty"`
	OpenedAt     string  `json:"opened_at,omitempty"`
	ClosedAt     string  `json:"closed_at,omitempty"`
	Voided       bool    `json:"voided"`
	Deleted      bool    `json:"deleted"`
	Channel      string  `json:"channel,omitempty"`
	DiningOption string  `json:"dining_option,omitempty"`
	Server       string  `json:"server,omitempty"`
	CheckCount   int     `json:"check_count"`
	NetAmount    float64 `json:"net_amount"`
	TaxAmount    float64 `json:"tax_amount"`
	TotalAmount  float64 `json:"total_amount"`
	TipAmount    float64 `json:"tip_amount"`
	PaymentCount int     `json:"payment_count"`
}

// TransformOrder maps a landed Toast order to its staged form. Voided
// checks do not count towards the order totals.
func TransformOrder(rec models.RawRecord) (*models.StagedEntity, error) {
	var p orderPayload
	if err := jsonpool.Unmarshal(rec.Payload, &p); err != nil {
		return nil, core.DataError(rec, "toast order payload is not valid JSON: %v", err)
	}
	if p.GUID == "" {
		return nil, core.DataError(rec, "toast order has no guid")
	}
	modified, ok := parseTime(p.ModifiedDate)
	if !ok {
		return nil, core.DataError(rec, "toast order %s has unreadable modifiedDate %q", p.GUID, p.ModifiedDate)
	}

	order := Order{
		OrderGUID:    p.GUID,
		Restaurant:   rec.Account,
		BusinessDate: p.BusinessDate.String(),
		OpenedAt:     normalizeTime(p.OpenedDate),
		ClosedAt:     normalizeTime(p.ClosedDate),
		Voided:       p.Voided,
		Deleted:      p.Deleted,
		Channel:      p.Source,
	}
	if p.DiningOption != nil {
		order.DiningOption = p.DiningOption.GUID
	}
	if p.Server != nil {
		order.Server = p.Server.GUID
	}

	for _, check := range p.Checks {
		if check.Voided {
			continue
		}
		order.CheckCount++
		order.NetAmount += check.Amount
		order.TaxAmount += check.TaxAmount
		order.TotalAmount += check.TotalAmount
		for _, payment := range check.Payments {
			order.PaymentCount++
			order.TipAmount += payment.TipAmount
		}
	}
	order.NetAmount = cents(order.NetAmount)
	order.TaxAmount = cents(order.TaxAmount)
	order.TotalAmount = cents(order.TotalAmount)
	order.TipAmount = cents(order.TipAmount)

	return core.NewStagedEntity(rec, p.GUID, modified, order)
}

type menuPayload struct {
	GUID       string             `json:"guid"`
	Name       string             `json:"name"`
	MenuGroups []menuGroupPayload `json:"menuGroups"`
}

type menuGroupPayload struct {
	GUID      string            `json:"guid"`
	Name      string            `json:"name"`
	MenuItems []menuItemPayload `json:"menuItems"`
}

type menuItemPayload struct {
	GUID  string   `json:"guid"`
	Name  string   `json:"name"`
	Price *float64 `json:"price"`
}

// Menu is the staged form of a Toast menu.
type Menu struct {
	MenuGUID   string      `json:"menu_guid"`
	Name       string      `json:"name"`
	Restaurant string      `json:"restaurant"`
	ItemCount  int         `json:"item_count"`
	Groups     []MenuGroup `json:"groups"`
}

// MenuGroup is one group of a staged menu.
type MenuGroup struct {
	GUID  string     `json:"guid"`
	Name  string     `json:"name"`
	Items []MenuItem `json:"items"`
}

// MenuItem is one item of a menu group. Price is nil for open-priced items.
type MenuItem struct {
	GUID  string   `json:"guid"`
	Name  string   `json:"name"`
	Price *float64 `json:"price"`
}

// TransformMenu maps a landed menu envelope to its staged form.
func TransformMenu(rec models.RawRecord) (*models.StagedEntity, error) {
	var env menuEnvelope
	if err := jsonpool.Unmarshal(rec.Payload, &env); err != nil {
		return nil, core.DataError(rec, "toast menu envelope is not valid JSON: %v", err)
	}
	updated, ok := parseTime(env.LastUpdated)
	if !ok {
		return nil, core.DataError(rec, "toast menu has unreadable lastUpdated %q", env.LastUpdated)
	}

	var p menuPayload
	if err := jsonpool.Unmarshal(env.Menu, &p); err != nil {
		return nil, core.DataError(rec, "toast menu payload is malformed: %v", err)
	}
	if p.GUID == "" {
		return nil, core.DataError(rec, "toast menu has no guid")
	}

	restaurant := env.RestaurantGUID
	if restaurant == "" {
		restaurant = rec.Account
	}
	menu := Menu{
		MenuGUID:   p.GUID,
		Name:       p.Name,
		Restaurant: restaurant,
		Groups:     make([]MenuGroup, 0, len(p.MenuGroups)),
	}
	for _, g := range p.MenuGroups {
		group := MenuGroup{GUID: g.GUID, Name: g.Name, Items: make([]MenuItem, 0, len(g.MenuItems))}
		for _, item := range g.MenuItems {
			group.Items = append(group.Items, MenuItem{GUID: item.GUID, Name: item.Name, Price: item.Price})
		}
		menu.ItemCount += len(group.Items)
		menu.Groups = append(menu.Groups, group)
	}

	return core.NewStagedEntity(rec, p.GUID, updated, menu)
}

func normalizeTime(v string) string {
	if v == "" {
		return ""
	}
	if t, ok := parseTime(v); ok {
		return t.Format("2006-01-02T15:04:05.000Z07:00")
	}
	return v
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}
