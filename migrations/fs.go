// Package migrations embeds the SQL schema of the embedded store.
package migrations

import "embed"

// FS holds goose migrations applied by internal/migrate.
//
//go:embed *.sql
var FS embed.FS
