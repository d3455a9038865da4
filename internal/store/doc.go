// Package store persists captured audio chunks until they are uploaded.
// Records are append-only and keyed by a strictly increasing id; the SQLite
// backend versions its schema with embedded goose migrations.
package store
