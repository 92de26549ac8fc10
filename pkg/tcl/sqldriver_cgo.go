//go:build cgo

package tcl

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// MattnDriverName is the database/sql name of github.com/mattn/go-sqlite3, available in cgo builds.
const MattnDriverName = "sqlite3"

func isCgoCorruption(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB
}
