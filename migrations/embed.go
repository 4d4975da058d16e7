// Package migrations embeds the session journal schema into the binary.
package migrations

import "embed"

// FS holds every *.up.sql file at its root.
//
//go:embed *.sql
var FS embed.FS
