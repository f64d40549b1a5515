// Package tidewater is an incremental ingestion pipeline for
// customer-experience providers: Toast (orders and menus), Medallia,
// Qualtrics and Google Reviews.
//
// # Architecture
//
// Every configured (source, account) pair is run independently through
// four stages:
//
//  1. Extract: pages of records changed after the account's watermark are
//     fetched through a rate-limited HTTP client with a credential borrowed
//     from the credential store.
//  2. Land: the raw payloads are appended to the RAW layer, keyed by
//     (batch_id, seq), and optionally archived to S3 or GCS.
//  3. Stage: the source's transformer normalises each record into a
//     STAGE entity keyed by natural key. Malformed records are logged as
//     data-quality issues; a batch whose error rate exceeds the configured
//     threshold fails.
//  4. Load: staged entities are merged into the LOAD layer with
//     last-writer-wins by source update time.
//
// Only after LOAD succeeds is the watermark advanced, with an optimistic
// version check, so a failed run never loses data and a retried run never
// duplicates it.
//
// # Quick Start
//
//	tidewater migrate --config tidewater.yaml
//	tidewater run --source toast_orders --account <restaurant-guid>
//	tidewater run-all
//	tidewater replay <batch-id>
//
// # Packages
//
//   - internal/pipeline: the orchestrator and the four stages
//   - pkg/warehouse/sqlstore: RAW, STAGE and LOAD layers, the batch ledger
//     and watermarks over SQLite, PostgreSQL or Snowflake
//   - pkg/connector: provider sources and transformers
//   - pkg/auth: credential refreshers and the caching credential store
//   - pkg/clients: the provider HTTP client
//   - pkg/lease: same-account exclusion, in process or through Redis
//   - pkg/alerting, pkg/archive, pkg/metrics, pkg/observability: alerts,
//     raw archival, Prometheus metrics and OpenTelemetry tracing
package tidewater
