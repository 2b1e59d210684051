//go:build !sqlite_cgo

package repository

// Pure Go SQLite, no C compiler required.
//
// Build command:
//   CGO_ENABLED=0 go build ./...

import (
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// SQLiteDriverName драйвер database/sql
	SQLiteDriverName = "sqlite"
	// SQLiteBuildMode описание сборки
	SQLiteBuildMode = "purego"
)

func sqliteDSN(path string, busy time.Duration) string {
	return withQuery(path, fmt.Sprintf(
		"_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate&_time_format=sqlite",
		busy.Milliseconds()))
}
