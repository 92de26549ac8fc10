package tcl

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// pooledConnection is the pool's record for one driver handle.
type pooledConnection struct {
	id         uint64
	pool       *ConnectionPool
	handle     Conn
	createdAt  time.Time
	generation uint64

	// guarded by pool.poolLock
	lastReleasedAt time.Time
	checkedOut     bool
	corrupted      bool
	owner          Owner

	// bumped under pool.poolLock on every checkout
	lease atomic.Uint64

	closed    atomic.Bool
	useLock   *sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newPooledConnection(pool *ConnectionPool, id uint64, generation uint64, handle Conn, createdAt time.Time) *pooledConnection {
	return &pooledConnection{
		id:         id,
		pool:       pool,
		handle:     handle,
		createdAt:  createdAt,
		generation: generation,
		useLock:    &sync.Mutex{},
	}
}

// leaseLocked starts a new checkout of pc. Earlier ConnectionHosts for pc stop being valid.
func (pc *pooledConnection) leaseLocked() *ConnectionHost {
	return &ConnectionHost{
		ConnectionID: pc.id,
		conn:         pc,
		lease:        pc.lease.Add(1),
	}
}

// ConnectionHost is one checkout of a pooled connection. Every Checkout returns a new
// ConnectionHost, so two checkouts of the same connection share a ConnectionID but not a
// ConnectionHost. Once the connection is checked out again, an older ConnectionHost can no
// longer be used or checked in.
type ConnectionHost struct {
	ConnectionID uint64

	conn  *pooledConnection
	lease uint64
}

// superseded reports whether the connection has since been checked out by someone else.
func (ch *ConnectionHost) superseded() bool {
	return ch.conn.lease.Load() != ch.lease
}

// Do runs fn with the driver handle while holding the connection's use lock, so the pool never
// closes the handle underneath fn. If the pool has already closed the connection, or handed it
// to another caller, Do returns ErrConnectionClosed without calling fn. Errors the driver
// classifies as corruption retire the connection and notify observers once fn has returned.
func (ch *ConnectionHost) Do(fn func(conn Conn) error) error {
	err := ch.use(fn)
	if err != nil && ch.conn.pool != nil && ch.conn.pool.isCorruption(err) {
		ch.conn.pool.corruptionDetected(ch.conn, err)
	}

	return err
}

func (ch *ConnectionHost) use(fn func(conn Conn) error) error {
	pc := ch.conn
	pc.useLock.Lock()
	defer pc.useLock.Unlock()

	if err := ch.usable(); err != nil {
		return err
	}

	return fn(pc.handle)
}

func (ch *ConnectionHost) usable() error {
	switch {
	case ch.conn.closed.Load():
		return fmt.Errorf("connection %d: %w", ch.ConnectionID, ErrConnectionClosed)
	case ch.superseded():
		return fmt.Errorf("connection %d was checked out again: %w", ch.ConnectionID, ErrConnectionClosed)
	default:
		return nil
	}
}

// Handle returns the raw driver handle. Only use it between Checkout and Checkin; prefer Do,
// which also guards against the pool closing the handle mid use.
func (ch *ConnectionHost) Handle() (Conn, error) {
	if err := ch.usable(); err != nil {
		return nil, err
	}

	return ch.conn.handle, nil
}

// IsClosed reports whether the pool has closed this connection.
func (ch *ConnectionHost) IsClosed() bool {
	return ch.conn.closed.Load()
}

// CreatedAt is when the driver handle was opened.
func (ch *ConnectionHost) CreatedAt() time.Time {
	return ch.conn.createdAt
}

// LastReleasedAt is when the connection was last checked in. Zero if it never was.
func (ch *ConnectionHost) LastReleasedAt() time.Time {
	ch.conn.pool.poolLock.Lock()
	defer ch.conn.pool.poolLock.Unlock()

	return ch.conn.lastReleasedAt
}

// Owner is the caller holding the connection, or the one that held it last.
func (ch *ConnectionHost) Owner() Owner {
	ch.conn.pool.poolLock.Lock()
	defer ch.conn.pool.poolLock.Unlock()

	return ch.conn.owner
}

// shutdown marks the connection closed and closes its handle. When a Do is still running the
// close happens as soon as it returns, on a separate goroutine, and shutdown reports no error.
func (pc *pooledConnection) shutdown() error {
	pc.closed.Store(true)

	if !pc.useLock.TryLock() {
		go func() {
			pc.useLock.Lock()
			defer pc.useLock.Unlock()

			if closedNow, err := pc.closeHandle(); closedNow && err != nil {
				pc.pool.handleError(err)
			}
		}()

		return nil
	}
	defer pc.useLock.Unlock()

	_, err := pc.closeHandle()
	return err
}

func (pc *pooledConnection) closeHandle() (closedNow bool, err error) {
	pc.closeOnce.Do(func() {
		closedNow = true

		defer func() {
			if r := recover(); r != nil {
				pc.closeErr = fmt.Errorf("connection %d: close panicked: %v", pc.id, r)
			}
		}()

		if pc.handle != nil {
			if closeErr := pc.handle.Close(); closeErr != nil {
				pc.closeErr = fmt.Errorf("connection %d: %w", pc.id, closeErr)
			}
		}
	})

	return closedNow, pc.closeErr
}
