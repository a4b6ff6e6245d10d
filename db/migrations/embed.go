// Package dbmigrations exposes embedded SQL migrations for execguard binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into execguard binaries.
//
//go:embed *.sql
var Files embed.FS
