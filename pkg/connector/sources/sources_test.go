package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
)

func TestAllSourcesRegistered(t *testing.T) {
	assert.Equal(t, []string{"google_reviews", "medallia", "qualtrics", "toast_menus", "toast_orders"}, registry.List())
}
