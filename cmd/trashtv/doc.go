// Command trashtv watches the archillect TV page and keeps a deduplicated
// record of every gif it shows.
//
// Two scheduled tasks share one item store:
//   - ingest fetches the page (plain HTTP through colly, or chromedp when
//     source.render_mode is headless), extracts one descriptor per configured
//     target and reconciles them into items and appearances in a single
//     transaction.
//   - backfill selects items still lacking payload, downloads each gif
//     independently and attaches it. Attached payloads can be mirrored to a
//     memory, local or GCS archive.
//
// The store is Postgres when database.dsn is set (migrations run at startup)
// and in-memory otherwise. Change events go to Pub/Sub when
// pubsub.project_id is set. /healthz, /readyz and /metrics are served on
// server.port.
//
// Usage:
//
//	trashtv -config config.yaml
//
// Every key can be overridden by environment variables prefixed with
// TRASHTV_, for example TRASHTV_DATABASE_DSN.
package main
