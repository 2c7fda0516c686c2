// Package api hosts the operational HTTP surface of the ingest service:
//   - GET /healthz for liveness.
//   - GET /readyz, which pings the item store.
//   - GET /metrics for Prometheus scraping.
package api
