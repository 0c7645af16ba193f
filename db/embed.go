// Package db carries the SQL migrations compiled into the binary, so a
// deployment needs no migrations directory on disk.
package db

import "embed"

//go:embed migrations/*.up.sql
var Migrations embed.FS
