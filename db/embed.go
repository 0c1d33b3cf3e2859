// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements for all settlement tables. Every
// statement is idempotent so it can run on each start.
//
//go:embed migrations/001_schema.sql
var Schema string
