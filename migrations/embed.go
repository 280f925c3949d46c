// Package migrations embeds the SQL schema for the durable IP policy store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
