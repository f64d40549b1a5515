// Package connector groups the provider integrations Tidewater extracts from.
//
// # Layout
//
//   - core: the Source and Transformer contracts. A Source fetches one page
//     of raw provider records for an account; a Transformer turns one raw
//     record into a staged entity keyed by its natural key.
//
//   - registry: providers register a Source factory, a Transformer and their
//     connection defaults from an init function. The pipeline selects the
//     transformer for a batch by the batch's source tag.
//
//   - sources: the integrations themselves (toast_orders, toast_menus,
//     medallia, qualtrics, google_reviews). Importing
//     sources links all of them into the binary.
//
// # Adding a provider
//
// A new provider needs a Source whose FetchPage pages through records
// changed after the request's watermark and reports the highest
// modification position it saw, plus a Transformer that never panics on
// malformed input and reports bad records with core.DataError. Both are
// registered together:
//
//	func init() {
//		registry.MustRegister(registry.Registration{
//			Name:        "acme_tickets",
//			EntityType:  "Ticket",
//			NewSource:   newSource,
//			Transformer: core.TransformerFunc(transform),
//			Defaults:    registry.Defaults{BaseURL: "https://api.acme.example", RequestsPerSecond: 5, Burst: 5},
//		})
//	}
package connector
