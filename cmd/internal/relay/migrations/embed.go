// Package migrations embeds the relay's goose SQL migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
