// Package sources links every provider integration into the binary.
// Importing it registers each source and its transformer in the global
// connector registry.
package sources

import (
	// Import all sources to trigger init() registration
	_ "github.com/ajitpratap0/tidewater/pkg/connector/sources/google_reviews"
	_ "github.com/ajitpratap0/tidewater/pkg/connector/sources/medallia"
	_ "github.com/ajitpratap0/tidewater/pkg/connector/sources/qualtrics"
	_ "github.com/ajitpratap0/tidewater/pkg/connector/sources/toast"
)
