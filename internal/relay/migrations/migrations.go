// Package migrations embeds the relay's Postgres schema migrations.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
