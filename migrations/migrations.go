// Package migrations embeds the SQL schema so the server binary carries it.
package migrations

import "embed"

// Files holds the numbered *.sql migrations in this directory.
//
//go:embed *.sql
var Files embed.FS
