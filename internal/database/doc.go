// Package database provides the TimescaleDB connection pool and schema for
// the payload recorder.
//
// Recorded payloads land in a single stream_payloads table keyed by
// (id, received_at). When the timescaledb extension is present the table is
// converted to a hypertable on received_at.
package database
