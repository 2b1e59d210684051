//go:build sqlite_cgo

package repository

// CGO SQLite via github.com/mattn/go-sqlite3.
//
// Build command:
//   CGO_ENABLED=1 go build -tags sqlite_cgo ./...

import (
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// SQLiteDriverName драйвер database/sql
	SQLiteDriverName = "sqlite3"
	// SQLiteBuildMode описание сборки
	SQLiteBuildMode = "cgo"
)

func sqliteDSN(path string, busy time.Duration) string {
	return withQuery(path, fmt.Sprintf(
		"_foreign_keys=1&_busy_timeout=%d&_txlock=immediate",
		busy.Milliseconds()))
}
