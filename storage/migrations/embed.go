// Package migrations enthält die eingebetteten SQL-Migrationen.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
