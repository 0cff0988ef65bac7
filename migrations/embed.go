// Package migrations embeds the goose SQL migrations for the call engine schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
