// Package migrations embeds the SQL schema so the server can migrate itself
// regardless of working directory.
package migrations

import "embed"

// FS holds every NNN_name.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
