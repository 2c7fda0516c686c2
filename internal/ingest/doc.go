// Package ingest holds the shared domain types, collaborator interfaces and
// error taxonomy of the trashtv ingestion service, plus the tick bodies that
// tie fetching, extraction, reconciliation and backfill together.
package ingest
