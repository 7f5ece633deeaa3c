// Package writer implements the batch writer for recorded payloads.
//
// The writer drains the router's recorder buffer, accumulates rows and
// inserts them into stream_payloads with pgx batches. Inserts are
// append-only; a replayed payload id is counted as a conflict and skipped.
package writer
