// Package storage provides the durable job/run record store used by the
// engine.
//
// It currently supports:
//   - Job config upserts and lookups
//   - Append-only run records and status updates
//   - Append-only run log chunks with prefix reads
package storage
