// Package sql provides the embedded DDL for relauth's persisted state.
package sql

import _ "embed"

// SchemaSQL contains the engine's table definitions and indexes.
// Applied via CREATE TABLE IF NOT EXISTS for idempotence, so the binary
// carries its schema and migration needs no external files.
//
//go:embed schema.sql
var SchemaSQL string
