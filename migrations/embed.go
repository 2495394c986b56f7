// Package migrations embeds the SQL schema files for the job engine so the
// compiled binary carries its own schema management without files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
