package tcl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func newLitePool(t *testing.T, path string, configure func(config *PoolConfig)) *ConnectionPool {
	t.Helper()

	config := DefaultPoolConfig(path)
	config.SweepInterval = Duration(time.Hour)
	config.Pragmas = []string{"busy_timeout=5000", "PRAGMA synchronous=NORMAL"}
	if configure != nil {
		configure(config)
	}

	pool, err := NewConnectionPool(config, NewLiteDriver())
	require.NoError(t, err)

	return pool
}

func liteDo(connHost *ConnectionHost, fn func(lc *LiteConn) error) error {
	return connHost.Do(func(conn Conn) error {
		return fn(conn.(*LiteConn))
	})
}

func TestLiteDriverRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	pool := newLitePool(t, filepath.Join(t.TempDir(), "fighters.db"), nil)
	defer pool.Close()

	ctx := ownerContext("ryu")
	connHost, err := pool.Checkout(ctx)
	require.NoError(t, err)

	err = liteDo(connHost, func(lc *LiteConn) error {
		if err := lc.Exec("CREATE TABLE fighters (name TEXT NOT NULL, wins INTEGER NOT NULL)"); err != nil {
			return err
		}

		return lc.Exec("INSERT INTO fighters (name, wins) VALUES (?, ?)", "Ryu", 12)
	})
	require.NoError(t, err)
	require.NoError(t, pool.Checkin(connHost))

	again, err := pool.Checkout(ctx)
	require.NoError(t, err)
	assert.Equal(t, connHost.ConnectionID, again.ConnectionID)

	var journalMode string
	var wins int64
	err = liteDo(again, func(lc *LiteConn) error {
		err := lc.Query("PRAGMA journal_mode", func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		})
		if err != nil {
			return err
		}

		return lc.Query("SELECT wins FROM fighters WHERE name = ?", func(stmt *sqlite.Stmt) error {
			wins = stmt.ColumnInt64(0)
			return nil
		}, "Ryu")
	})
	require.NoError(t, err)
	assert.Equal(t, "wal", journalMode)
	assert.Equal(t, int64(12), wins)

	assert.NoError(t, liteDo(again, func(lc *LiteConn) error { return lc.QuickCheck() }))
	require.NoError(t, pool.Checkin(again))
}

func TestLiteDriverConnectionsShareFile(t *testing.T) {
	defer leaktest.Check(t)()

	pool := newLitePool(t, filepath.Join(t.TempDir(), "fighters.db"), func(config *PoolConfig) {
		config.ShouldCacheStatements = false
	})
	defer pool.Close()

	writer, err := pool.Checkout(ownerContext("ken"))
	require.NoError(t, err)
	reader, err := pool.Checkout(ownerContext("sagat"))
	require.NoError(t, err)
	assert.NotEqual(t, writer.ConnectionID, reader.ConnectionID)

	require.NoError(t, liteDo(writer, func(lc *LiteConn) error {
		return lc.Exec("CREATE TABLE stages (name TEXT)")
	}))
	require.NoError(t, liteDo(writer, func(lc *LiteConn) error {
		return lc.Exec("INSERT INTO stages (name) VALUES ('Thailand')")
	}))

	var count int
	require.NoError(t, liteDo(reader, func(lc *LiteConn) error {
		return lc.Query("SELECT count(*) FROM stages", func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		})
	}))
	assert.Equal(t, 1, count)

	require.NoError(t, pool.Checkin(writer))
	require.NoError(t, pool.Checkin(reader))
}

func TestLiteDriverOpenFailure(t *testing.T) {
	defer leaktest.Check(t)()

	pool := newLitePool(t, filepath.Join(t.TempDir(), "missing", "fighters.db"), nil)
	defer pool.Close()

	_, err := pool.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrOpenFailure)
	assert.Equal(t, 0, pool.Stats().CheckedOut)
}

func TestLiteDriverDetectsCorruptFile(t *testing.T) {
	defer leaktest.Check(t)()

	path := filepath.Join(t.TempDir(), "corrupt.db")
	junk := bytes.Repeat([]byte("SuperStreetFighter2TurboMBisonDidNothingWrong"), 200)
	require.NoError(t, os.WriteFile(path, junk, 0o600))

	pool := newLitePool(t, path, func(config *PoolConfig) {
		config.OpenFlags = []string{"readwrite"}
		config.Pragmas = nil
	})
	defer pool.Close()

	observer := &recordingObserver{}
	require.NoError(t, pool.AddObserver(observer))

	connHost, err := pool.Checkout(context.Background())
	require.NoError(t, err)

	err = liteDo(connHost, func(lc *LiteConn) error {
		return lc.Query("SELECT name FROM sqlite_master", nil)
	})
	require.Error(t, err)
	assert.Equal(t, sqlite.ResultNotADB, sqlite.ErrCode(err).ToPrimary())

	assert.Equal(t, int32(1), observer.calls.Load())
	assert.True(t, connHost.IsClosed())
	assert.Equal(t, uint64(1), pool.Stats().Corrupted)
	assert.NoError(t, pool.Checkin(connHost))
}

func TestLiteDriverClassifiesErrors(t *testing.T) {

	driver := NewLiteDriver()
	assert.False(t, driver.IsCorruption(nil))
	assert.False(t, driver.IsCorruption(os.ErrNotExist))
	assert.False(t, driver.IsCorrupt(&mockConn{}))

	assert.Equal(t, "PRAGMA busy_timeout=5000", pragmaStatement("busy_timeout=5000"))
	assert.Equal(t, "PRAGMA synchronous=NORMAL", pragmaStatement(" PRAGMA synchronous=NORMAL "))
}
