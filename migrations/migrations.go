// Package migrations embeds the MySQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
