package tcl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // registers the pure Go "sqlite" driver
)

const (
	// ModerncDriverName is the database/sql name of modernc.org/sqlite.
	ModerncDriverName = "sqlite"

	sqliteCorrupt = 11
	sqliteNotADB  = 26
)

// SQLDriver opens database/sql handles, each pinned to a single physical SQLite connection,
// so the pool rather than database/sql decides how many connections exist.
type SQLDriver struct {
	DriverName string
}

// NewSQLDriver returns a Driver using the named database/sql driver. An empty name means modernc.
func NewSQLDriver(driverName string) *SQLDriver {
	if driverName == "" {
		driverName = ModerncDriverName
	}

	return &SQLDriver{DriverName: driverName}
}

// SQLConn is a database/sql handle limited to one connection, with an optional prepared statement cache.
type SQLConn struct {
	db         *sql.DB
	statements map[string]*sql.Stmt
	corrupt    atomic.Bool
}

// Open opens options.Path, verifies the connection, and runs the configured pragmas.
func (sd *SQLDriver) Open(ctx context.Context, options OpenOptions) (Conn, error) {
	db, err := sql.Open(sd.DriverName, sqliteDSN(options))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	statements := make([]string, 0, len(options.Pragmas)+1)
	for _, pragma := range options.Pragmas {
		statements = append(statements, pragmaStatement(pragma))
	}
	if options.Flags.Has(OpenWAL) {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}

	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", statement, err)
		}
	}

	sc := &SQLConn{db: db}
	if options.CacheStatements {
		sc.statements = make(map[string]*sql.Stmt)
	}

	return sc, nil
}

// IsCorrupt reports whether the handle has returned a corruption error.
func (sd *SQLDriver) IsCorrupt(conn Conn) bool {
	sc, ok := conn.(*SQLConn)
	return ok && sc.corrupt.Load()
}

// IsCorruption reports whether err carries SQLITE_CORRUPT or SQLITE_NOTADB.
func (sd *SQLDriver) IsCorruption(err error) bool {
	return isSQLCorruption(err)
}

type sqliteCoder interface {
	Code() int
}

func isSQLCorruption(err error) bool {
	if err == nil {
		return false
	}

	var coder sqliteCoder
	if errors.As(err, &coder) {
		switch coder.Code() & 0xff {
		case sqliteCorrupt, sqliteNotADB:
			return true
		}
	}

	return isCgoCorruption(err)
}

// sqliteDSN builds a file: URI for options. A Path that is already a file: URI keeps its own
// query parameters; mode and cache always follow the pool's flags. Any other Path is a plain
// file name and is escaped.
func sqliteDSN(options OpenOptions) string {
	path := options.Path
	query := url.Values{}

	if rest, isURI := strings.CutPrefix(path, "file:"); isURI {
		path = rest
		if i := strings.IndexByte(path, '#'); i >= 0 {
			path = path[:i]
		}

		if i := strings.IndexByte(path, '?'); i >= 0 {
			if existing, err := url.ParseQuery(path[i+1:]); err == nil {
				query = existing
			}
			path = path[:i]
		}
	} else {
		path = (&url.URL{Path: path}).EscapedPath()
	}

	switch {
	case options.Flags.Has(OpenMemory):
		query.Set("mode", "memory")
	case options.Flags.Has(OpenReadOnly):
		query.Set("mode", "ro")
	case options.Flags.Has(OpenCreate) || options.Flags == 0:
		query.Set("mode", "rwc")
	default:
		query.Set("mode", "rw")
	}

	if options.SharedCache {
		query.Set("cache", "shared")
	} else {
		query.Set("cache", "private")
	}

	return "file:" + path + "?" + query.Encode()
}

// DB returns the underlying handle.
func (sc *SQLConn) DB() *sql.DB {
	return sc.db
}

// ExecContext runs query, using a cached prepared statement when statement caching was enabled at open.
func (sc *SQLConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := sc.statement(ctx, query)
	if err != nil {
		return nil, sc.observe(err)
	}

	if stmt == nil {
		result, err := sc.db.ExecContext(ctx, query, args...)
		return result, sc.observe(err)
	}

	result, err := stmt.ExecContext(ctx, args...)
	return result, sc.observe(err)
}

// QueryContext runs query and calls scan for each row.
func (sc *SQLConn) QueryContext(ctx context.Context, query string, scan func(rows *sql.Rows) error, args ...any) error {
	stmt, err := sc.statement(ctx, query)
	if err != nil {
		return sc.observe(err)
	}

	var rows *sql.Rows
	if stmt == nil {
		rows, err = sc.db.QueryContext(ctx, query, args...)
	} else {
		rows, err = stmt.QueryContext(ctx, args...)
	}
	if err != nil {
		return sc.observe(err)
	}
	defer rows.Close()

	for rows.Next() {
		if scan == nil {
			continue
		}

		if err := scan(rows); err != nil {
			return err
		}
	}

	return sc.observe(rows.Err())
}

// QuickCheck runs PRAGMA quick_check. A result other than "ok" marks the connection corrupt.
func (sc *SQLConn) QuickCheck(ctx context.Context) error {
	var problems []string
	err := sc.QueryContext(ctx, "PRAGMA quick_check", func(rows *sql.Rows) error {
		var result string
		if err := rows.Scan(&result); err != nil {
			return err
		}

		if result != "ok" {
			problems = append(problems, result)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(problems) > 0 {
		sc.corrupt.Store(true)
		return fmt.Errorf("quick_check failed: %s", strings.Join(problems, "; "))
	}

	return nil
}

// Close closes cached statements and the handle.
func (sc *SQLConn) Close() error {
	var errs []error
	for query, stmt := range sc.statements {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(sc.statements, query)
	}

	errs = append(errs, sc.db.Close())
	return errors.Join(errs...)
}

func (sc *SQLConn) statement(ctx context.Context, query string) (*sql.Stmt, error) {
	if sc.statements == nil {
		return nil, nil
	}

	if stmt, ok := sc.statements[query]; ok {
		return stmt, nil
	}

	stmt, err := sc.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	sc.statements[query] = stmt
	return stmt, nil
}

func (sc *SQLConn) observe(err error) error {
	if isSQLCorruption(err) {
		sc.corrupt.Store(true)
	}

	return err
}
