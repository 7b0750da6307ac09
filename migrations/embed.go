// Package migrations carries the goose SQL migrations compiled into the API binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
