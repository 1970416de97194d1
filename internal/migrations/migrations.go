package migrations

import "embed"

// Files contains SQL migrations embedded into the binary, applied in
// lexical order (e.g., 001_init.sql).
//
//go:embed *.sql
var Files embed.FS
