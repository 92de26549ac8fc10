package tcl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errMockCorrupt = errors.New("mock: database disk image is malformed")

type mockConn struct {
	id         uint64
	options    OpenOptions
	closeErr   error
	closeCount atomic.Int32
	corrupt    atomic.Bool
}

func (mc *mockConn) Close() error {
	if mc.closeCount.Add(1) > 1 {
		return fmt.Errorf("mock connection %d closed twice", mc.id)
	}

	return mc.closeErr
}

func (mc *mockConn) IsClosed() bool {
	return mc.closeCount.Load() > 0
}

// mockDriver hands out mockConns and classifies errMockCorrupt as corruption.
type mockDriver struct {
	lock     sync.Mutex
	opened   []*mockConn
	openErr  error
	closeErr error
}

func (md *mockDriver) Open(ctx context.Context, options OpenOptions) (Conn, error) {
	md.lock.Lock()
	defer md.lock.Unlock()

	if md.openErr != nil {
		return nil, md.openErr
	}

	conn := &mockConn{
		id:       uint64(len(md.opened) + 1),
		options:  options,
		closeErr: md.closeErr,
	}
	md.opened = append(md.opened, conn)

	return conn, nil
}

func (md *mockDriver) IsCorrupt(conn Conn) bool {
	mc, ok := conn.(*mockConn)
	return ok && mc.corrupt.Load()
}

func (md *mockDriver) IsCorruption(err error) bool {
	return errors.Is(err, errMockCorrupt)
}

func (md *mockDriver) Opened() []*mockConn {
	md.lock.Lock()
	defer md.lock.Unlock()

	return append([]*mockConn(nil), md.opened...)
}

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func (fc *fakeClock) Now() time.Time {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.now = fc.now.Add(d)
}

type recordingObserver struct {
	name   string
	calls  atomic.Int32
	record func(name string)
}

func (ro *recordingObserver) CorruptionOccurred(pool *ConnectionPool) {
	ro.calls.Add(1)
	if ro.record != nil {
		ro.record(ro.name)
	}
}

type recordingDelegate struct {
	recordingObserver
	created   []Conn
	createErr error
}

func (rd *recordingDelegate) ConnectionCreated(conn Conn) error {
	rd.created = append(rd.created, conn)
	return rd.createErr
}

// newTestPool builds a pool over driver whose sweeper never ticks on its own; tests call Sweep.
func newTestPool(t *testing.T, driver Driver, configure func(config *PoolConfig)) (*ConnectionPool, *fakeClock) {
	t.Helper()

	config := DefaultPoolConfig("file:" + t.Name() + ".db")
	config.SweepInterval = Duration(time.Hour)
	if configure != nil {
		configure(config)
	}

	pool, err := NewConnectionPool(config, driver)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool.poolLock.Lock()
	pool.now = clock.Now
	pool.poolLock.Unlock()

	return pool, clock
}

func ownerContext(owner string) context.Context {
	return WithOwner(context.Background(), Owner(owner))
}
