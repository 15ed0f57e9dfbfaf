// Package migrations embeds the gateway schema migration files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
