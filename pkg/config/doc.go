// Package config provides configuration management for Tidewater.
//
// A single Config describes one deployment: logging, the pipeline's retry and
// quality policy, the HTTP client, the warehouse, the account lease backend,
// the optional raw archive, alerting, secrets, tracing, metrics, and the
// provider sources with their accounts and credentials.
//
// # Loading
//
//	cfg, err := config.Load("tidewater.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The YAML file may reference environment variables as ${VAR_NAME}; they are
// substituted before parsing. Scalar settings can also be overridden with
// TIDEWATER_-prefixed variables, e.g. TIDEWATER_PIPELINE_CONCURRENCY=8.
//
// # Accounts and credentials
//
//	accounts:
//	  - source: toast_orders
//	    account: 6f1c2a7e-restaurant-guid
//	    credential_ref: toast-prod
//	credentials:
//	  toast-prod:
//	    kind: toast
//	    client_id: ${TOAST_CLIENT_ID}
//	    client_secret: ${TOAST_CLIENT_SECRET}
//
// Credential secrets may instead live in Vault: set vault.enabled and give
// the credential a vault_path.
package config
