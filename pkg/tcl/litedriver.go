package tcl

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// LiteDriver opens raw zombiezen SQLite connections. It classifies SQLITE_CORRUPT and
// SQLITE_NOTADB as corruption, both from returned errors and at Checkin.
type LiteDriver struct{}

// NewLiteDriver returns a Driver producing *LiteConn handles.
func NewLiteDriver() *LiteDriver {
	return &LiteDriver{}
}

// LiteConn is one SQLite connection. Like the underlying *sqlite.Conn it must only be used by
// the goroutine that checked it out.
type LiteConn struct {
	conn            *sqlite.Conn
	cacheStatements bool
	corrupt         atomic.Bool
}

// Open opens options.Path and runs the configured pragmas on the new connection.
func (ld *LiteDriver) Open(ctx context.Context, options OpenOptions) (Conn, error) {
	conn, err := sqlite.OpenConn(options.Path, liteOpenFlags(options)...)
	if err != nil {
		return nil, err
	}

	conn.SetInterrupt(ctx.Done())
	for _, pragma := range options.Pragmas {
		statement := pragmaStatement(pragma)
		if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", statement, err)
		}
	}
	conn.SetInterrupt(nil)

	return &LiteConn{conn: conn, cacheStatements: options.CacheStatements}, nil
}

// IsCorrupt reports whether the handle has returned a corruption error.
func (ld *LiteDriver) IsCorrupt(conn Conn) bool {
	lc, ok := conn.(*LiteConn)
	return ok && lc.corrupt.Load()
}

// IsCorruption reports whether err carries SQLITE_CORRUPT or SQLITE_NOTADB.
func (ld *LiteDriver) IsCorruption(err error) bool {
	return isLiteCorruption(err)
}

func isLiteCorruption(err error) bool {
	if err == nil {
		return false
	}

	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultCorrupt, sqlite.ResultNotADB:
		return true
	default:
		return false
	}
}

func liteOpenFlags(options OpenOptions) []sqlite.OpenFlags {
	flags := options.Flags
	if flags == 0 {
		flags = OpenReadWrite | OpenCreate
	}

	mapping := []struct {
		flag OpenFlags
		lite sqlite.OpenFlags
	}{
		{OpenReadOnly, sqlite.OpenReadOnly},
		{OpenReadWrite, sqlite.OpenReadWrite},
		{OpenCreate, sqlite.OpenCreate},
		{OpenURI, sqlite.OpenURI},
		{OpenMemory, sqlite.OpenMemory},
		{OpenNoMutex, sqlite.OpenNoMutex},
		{OpenWAL, sqlite.OpenWAL},
	}

	var liteFlags sqlite.OpenFlags
	for _, m := range mapping {
		if flags.Has(m.flag) {
			liteFlags |= m.lite
		}
	}

	if options.SharedCache {
		liteFlags |= sqlite.OpenSharedCache
	} else {
		liteFlags |= sqlite.OpenPrivateCache
	}

	return []sqlite.OpenFlags{liteFlags}
}

func pragmaStatement(pragma string) string {
	pragma = strings.TrimSpace(pragma)
	if strings.HasPrefix(strings.ToUpper(pragma), "PRAGMA ") {
		return pragma
	}

	return "PRAGMA " + pragma
}

// Raw returns the underlying connection.
func (lc *LiteConn) Raw() *sqlite.Conn {
	return lc.conn
}

// Exec runs query, which may contain a single statement, with args bound positionally.
func (lc *LiteConn) Exec(query string, args ...any) error {
	return lc.Query(query, nil, args...)
}

// Query runs query and calls resultFn for every row. Prepared statements are cached on the
// connection when statement caching was enabled at open.
func (lc *LiteConn) Query(query string, resultFn func(stmt *sqlite.Stmt) error, args ...any) error {
	options := &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: resultFn,
	}

	var err error
	if lc.cacheStatements {
		err = sqlitex.Execute(lc.conn, query, options)
	} else {
		err = sqlitex.ExecuteTransient(lc.conn, query, options)
	}

	return lc.observe(err)
}

// QuickCheck runs PRAGMA quick_check. A result other than "ok" marks the connection corrupt.
func (lc *LiteConn) QuickCheck() error {
	var problems []string
	err := sqlitex.ExecuteTransient(lc.conn, "PRAGMA quick_check", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if result := stmt.ColumnText(0); result != "ok" {
				problems = append(problems, result)
			}
			return nil
		},
	})
	if err != nil {
		return lc.observe(err)
	}

	if len(problems) > 0 {
		lc.corrupt.Store(true)
		return fmt.Errorf("quick_check failed: %s", strings.Join(problems, "; "))
	}

	return nil
}

// Close closes the connection and every statement it cached.
func (lc *LiteConn) Close() error {
	return lc.conn.Close()
}

func (lc *LiteConn) observe(err error) error {
	if isLiteCorruption(err) {
		lc.corrupt.Store(true)
	}

	return err
}
