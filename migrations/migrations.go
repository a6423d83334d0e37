// Package migrations embeds the SQL schema and seed files.
package migrations

import "embed"

//go:embed sql
var sqlFiles embed.FS

//go:embed seeds
var seedFiles embed.FS

// SQL holds the versioned schema migrations.
var SQL = sqlFiles

// Seeds holds the idempotent seed files.
var Seeds = seedFiles
