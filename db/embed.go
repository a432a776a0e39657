// Package db embeds the PostgreSQL schema applied at startup.
package db

import _ "embed"

// Schema contains the DDL statements for orders and daily sales totals. Every
// statement is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
