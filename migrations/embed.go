// Package migrations предоставляет встроенные SQL-миграции схемы TimeSlice.
package migrations

import "embed"

// Files содержит все .sql файлы из этой директории, применяются по порядку номеров (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
