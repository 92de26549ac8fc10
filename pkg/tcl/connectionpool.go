package tcl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionPool houses the pool of connections to one database file.
//
// Connections are opened lazily by Checkout and reused most recently released first.
// A caller that carries an Owner in its context gets its previous connection back when
// that connection is still idle. Idle connections older than the time to live are swept
// in the background, never shrinking the pool below the minimum cached connections.
//
// ReleaseConnections closes everything but leaves the pool usable: the next Checkout opens
// a fresh connection. Close is terminal.
type ConnectionPool struct {
	id           uuid.UUID
	path         string
	driver       Driver
	delegate     Delegate
	errorHandler func(error)
	logger       *zap.Logger
	metrics      *poolMetrics
	now          func() time.Time

	poolLock        *sync.Mutex
	openFlags       OpenFlags
	pragmas         []string
	minimumCached   MinimumCached
	timeToLive      TimeToLive
	sharedCache     bool
	cacheStatements bool

	connectionID uint64
	generation   uint64
	available    []*pooledConnection // oldest release first, most recent last
	checkedOut   map[uint64]*pooledConnection
	affinity     map[Owner]affinityEntry
	observers    *observerRegistry
	opening      int
	closed       bool
	counters     poolCounters

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// affinityEntry points an Owner at the connection it used last. It is only an index:
// every lookup is re-validated against the current store generation and available set.
type affinityEntry struct {
	connectionID uint64
	generation   uint64
}

type poolCounters struct {
	created       uint64
	reused        uint64
	evicted       uint64
	corrupted     uint64
	openFailures  uint64
	checkinErrors uint64
}

// PoolStats is a point in time snapshot of the pool.
type PoolStats struct {
	Available     int    `json:"Available"`
	CheckedOut    int    `json:"CheckedOut"`
	Opening       int    `json:"Opening"`
	Owners        int    `json:"Owners"`
	Observers     int    `json:"Observers"`
	Generation    uint64 `json:"Generation"`
	Created       uint64 `json:"Created"`
	Reused        uint64 `json:"Reused"`
	Evicted       uint64 `json:"Evicted"`
	Corrupted     uint64 `json:"Corrupted"`
	OpenFailures  uint64 `json:"OpenFailures"`
	CheckinErrors uint64 `json:"CheckinErrors"`
}

// NewConnectionPool creates hosting structure for the ConnectionPool.
func NewConnectionPool(config *PoolConfig, driver Driver) (*ConnectionPool, error) {
	return NewConnectionPoolWithHandlers(config, driver, nil, nil)
}

// NewConnectionPoolWithErrorHandler creates hosting structure for the ConnectionPool with an error handler.
func NewConnectionPoolWithErrorHandler(config *PoolConfig, driver Driver, errorHandler func(error)) (*ConnectionPool, error) {
	return NewConnectionPoolWithHandlers(config, driver, nil, errorHandler)
}

// NewConnectionPoolWithHandlers creates hosting structure for the ConnectionPool with a delegate and/or error handler.
// The error handler receives every error the pool reports but does not return, such as close failures.
func NewConnectionPoolWithHandlers(config *PoolConfig, driver Driver, delegate Delegate, errorHandler func(error)) (*ConnectionPool, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: driver can't be nil", ErrInvalidConfig)
	}

	if config == nil {
		return nil, fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}

	cfg := *config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	openFlags, err := ParseOpenFlags(cfg.OpenFlags...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	cp := &ConnectionPool{
		id:              uuid.New(),
		path:            cfg.Path,
		driver:          driver,
		delegate:        delegate,
		errorHandler:    errorHandler,
		now:             time.Now,
		poolLock:        &sync.Mutex{},
		openFlags:       openFlags,
		pragmas:         append([]string(nil), cfg.Pragmas...),
		minimumCached:   cfg.MinimumCachedConnections,
		timeToLive:      cfg.ConnectionTimeToLive,
		sharedCache:     cfg.SharedCacheModeEnabled,
		cacheStatements: cfg.ShouldCacheStatements,
		checkedOut:      make(map[uint64]*pooledConnection),
		affinity:        make(map[Owner]affinityEntry),
		observers:       newObserverRegistry(),
		sweepInterval:   time.Duration(cfg.SweepInterval),
		stopSweep:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cp.logger = logger.With(
		zap.String("component", "connection_pool"),
		zap.String("database", cp.path),
		zap.String("pool_id", cp.id.String()))

	cp.metrics, err = newPoolMetrics(cfg.MetricsRegisterer, cp.id.String(), cp.path)
	if err != nil {
		return nil, err
	}

	go cp.sweepLoop()

	cp.logger.Info("connection pool created",
		zap.Stringer("open_flags", cp.openFlags),
		zap.Stringer("minimum_cached", cp.minimumCached),
		zap.Stringer("time_to_live", cp.timeToLive),
		zap.Duration("sweep_interval", cp.sweepInterval))

	return cp, nil
}

// ID identifies this pool. Observers receive the pool itself and can use it to tell pools apart.
func (cp *ConnectionPool) ID() uuid.UUID {
	return cp.id
}

// Path is the database file the pool opens.
func (cp *ConnectionPool) Path() string {
	return cp.path
}

// Checkout hands out a connection usable only by the caller until Checkin.
//
// The caller's Owner (see WithOwner) gets its previous connection back if it is idle; otherwise
// the most recently released idle connection is used; otherwise the driver opens a new one.
// Checkout never waits: if nothing is idle and the open fails, the error wraps ErrOpenFailure.
func (cp *ConnectionPool) Checkout(ctx context.Context) (*ConnectionHost, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	owner, hasOwner := OwnerFromContext(ctx)

	cp.poolLock.Lock()
	if cp.closed {
		cp.poolLock.Unlock()
		return nil, fmt.Errorf("unable to checkout: %w", ErrConnectionPoolClosed)
	}

	if pc := cp.takeAvailableLocked(owner, hasOwner); pc != nil {
		connHost := pc.leaseLocked()
		cp.counters.reused++
		cp.updateGaugesLocked()
		cp.poolLock.Unlock()

		cp.metrics.reused.Inc()
		cp.logger.Debug("reusing connection",
			zap.Uint64("connection_id", pc.id),
			zap.String("owner", string(owner)),
			zap.Duration("age", cp.now().Sub(pc.createdAt)))

		return connHost, nil
	}

	// Reserve a slot so the driver call happens outside the lock.
	cp.opening++
	options := cp.openOptionsLocked()
	delegate := cp.delegate
	cp.poolLock.Unlock()

	conn, err := cp.openConnection(ctx, options, delegate)

	cp.poolLock.Lock()
	cp.opening--

	if err != nil {
		cp.counters.openFailures++
		cp.poolLock.Unlock()

		cp.metrics.openFailures.Inc()
		cp.logger.Warn("failed to open connection", zap.Error(err))
		return nil, err
	}

	if cp.closed {
		cp.poolLock.Unlock()

		if closeErr := conn.Close(); closeErr != nil {
			cp.handleError(closeErr)
		}
		return nil, fmt.Errorf("unable to checkout: %w", ErrConnectionPoolClosed)
	}

	cp.connectionID++
	pc := newPooledConnection(cp, cp.connectionID, cp.generation, conn, cp.now())
	cp.markCheckedOutLocked(pc, owner, hasOwner)
	connHost := pc.leaseLocked()
	cp.counters.created++
	cp.updateGaugesLocked()
	total := len(cp.available) + len(cp.checkedOut)
	cp.poolLock.Unlock()

	cp.metrics.created.Inc()
	cp.logger.Debug("created new connection",
		zap.Uint64("connection_id", connHost.ConnectionID),
		zap.String("owner", string(owner)),
		zap.Int("total", total))

	return connHost, nil
}

func (cp *ConnectionPool) openConnection(ctx context.Context, options OpenOptions, delegate Delegate) (Conn, error) {
	conn, err := cp.driver.Open(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailure, options.Path, err)
	}

	if conn == nil {
		return nil, fmt.Errorf("%w: %s: driver returned no connection", ErrOpenFailure, options.Path)
	}

	if delegate != nil {
		if err := delegate.ConnectionCreated(conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				cp.handleError(closeErr)
			}
			return nil, fmt.Errorf("%w: connection created hook: %w", ErrOpenFailure, err)
		}
	}

	return conn, nil
}

func (cp *ConnectionPool) openOptionsLocked() OpenOptions {
	return OpenOptions{
		Path:            cp.path,
		Flags:           cp.openFlags,
		SharedCache:     cp.sharedCache,
		CacheStatements: cp.cacheStatements,
		Pragmas:         append([]string(nil), cp.pragmas...),
	}
}

// takeAvailableLocked prefers the owner's previous connection, then the most recently released one.
func (cp *ConnectionPool) takeAvailableLocked(owner Owner, hasOwner bool) *pooledConnection {
	if hasOwner {
		if entry, ok := cp.affinity[owner]; ok {
			if entry.generation != cp.generation {
				delete(cp.affinity, owner)
			} else if i := cp.indexOfAvailableLocked(entry.connectionID); i >= 0 {
				pc := cp.removeAvailableAtLocked(i)
				cp.markCheckedOutLocked(pc, owner, hasOwner)
				return pc
			}
		}
	}

	if len(cp.available) == 0 {
		return nil
	}

	pc := cp.removeAvailableAtLocked(len(cp.available) - 1)
	cp.markCheckedOutLocked(pc, owner, hasOwner)
	return pc
}

func (cp *ConnectionPool) markCheckedOutLocked(pc *pooledConnection, owner Owner, hasOwner bool) {
	pc.checkedOut = true
	cp.checkedOut[pc.id] = pc

	if !hasOwner {
		return
	}

	if pc.owner != "" && pc.owner != owner {
		cp.dropAffinityLocked(pc)
	}

	pc.owner = owner
	cp.affinity[owner] = affinityEntry{connectionID: pc.id, generation: pc.generation}
}

// dropAffinityLocked removes the last holder's entry if it still points at pc.
func (cp *ConnectionPool) dropAffinityLocked(pc *pooledConnection) {
	if pc.owner == "" {
		return
	}

	if entry, ok := cp.affinity[pc.owner]; ok && entry.connectionID == pc.id {
		delete(cp.affinity, pc.owner)
	}
}

func (cp *ConnectionPool) indexOfAvailableLocked(connectionID uint64) int {
	for i := len(cp.available) - 1; i >= 0; i-- {
		if cp.available[i].id == connectionID {
			return i
		}
	}

	return -1
}

func (cp *ConnectionPool) removeAvailableAtLocked(i int) *pooledConnection {
	pc := cp.available[i]
	copy(cp.available[i:], cp.available[i+1:])
	cp.available[len(cp.available)-1] = nil
	cp.available = cp.available[:len(cp.available)-1]

	return pc
}

// Checkin returns a connection to the pool. Checking in a ConnectionHost twice returns
// ErrDoubleCheckin, even when the connection has since been checked out by someone else.
// One this pool never handed out returns ErrUnknownConnection, and one the pool closed while
// it was checked out returns ErrConnectionClosed. None of these change the pool.
//
// If the driver reports the handle corrupt, the connection is retired and observers are notified
// instead; Checkin still returns nil.
func (cp *ConnectionPool) Checkin(connHost *ConnectionHost) error {
	if connHost == nil || connHost.conn == nil || connHost.conn.pool != cp {
		return cp.checkinFailed(connHost, ErrUnknownConnection)
	}

	pc := connHost.conn
	cp.poolLock.Lock()

	if pc.corrupted {
		cp.poolLock.Unlock()
		return nil
	}

	if reason := cp.checkinRejectionLocked(connHost); reason != nil {
		cp.counters.checkinErrors++
		cp.poolLock.Unlock()

		return cp.checkinFailed(connHost, reason)
	}

	if cp.handleIsCorrupt(pc) {
		notice := cp.retireCorruptLocked(pc)
		cp.poolLock.Unlock()

		cp.finishCorruption(pc, notice, nil)
		return nil
	}

	delete(cp.checkedOut, pc.id)
	pc.checkedOut = false
	pc.lastReleasedAt = cp.now()
	cp.available = append(cp.available, pc)
	cp.updateGaugesLocked()
	owner := pc.owner
	cp.poolLock.Unlock()

	cp.logger.Debug("returned connection to pool",
		zap.Uint64("connection_id", pc.id),
		zap.String("owner", string(owner)))

	return nil
}

// checkinRejectionLocked returns why connHost can't be checked in, or nil if it is the current checkout.
func (cp *ConnectionPool) checkinRejectionLocked(connHost *ConnectionHost) error {
	pc := connHost.conn

	switch {
	case pc.generation != cp.generation || pc.closed.Load():
		return ErrConnectionClosed
	case connHost.superseded() || !pc.checkedOut:
		return ErrDoubleCheckin
	case cp.checkedOut[pc.id] != pc:
		return ErrUnknownConnection
	default:
		return nil
	}
}

func (cp *ConnectionPool) checkinFailed(connHost *ConnectionHost, reason error) error {
	var err error
	if connHost == nil {
		err = fmt.Errorf("unable to checkin nil connection: %w", reason)
	} else {
		err = fmt.Errorf("unable to checkin connection %d: %w", connHost.ConnectionID, reason)
	}

	if connHost == nil || connHost.conn == nil || connHost.conn.pool != cp {
		cp.poolLock.Lock()
		cp.counters.checkinErrors++
		cp.poolLock.Unlock()
	}

	cp.metrics.checkinErrors.Inc()
	cp.logger.Warn("rejected checkin", zap.Error(err))
	cp.handleError(err)

	return err
}

// ReleaseConnections closes every connection, idle or checked out, and empties the pool.
// Checked out connections become unusable: Do and Handle return ErrConnectionClosed.
// The pool itself stays usable and the next Checkout opens a fresh connection.
// A failing close is reported and joined into the returned error; the rest are still closed.
func (cp *ConnectionPool) ReleaseConnections() error {
	cp.poolLock.Lock()
	detached := cp.detachAllLocked()
	cp.poolLock.Unlock()

	err := cp.closeConnections(detached)

	cp.logger.Info("released connections",
		zap.Int("closed", len(detached)),
		zap.Error(err))

	return err
}

// Close stops the sweeper and closes every connection. Checkout fails with ErrConnectionPoolClosed afterwards.
func (cp *ConnectionPool) Close() error {
	if cp == nil {
		return nil
	}

	cp.poolLock.Lock()
	if cp.closed {
		cp.poolLock.Unlock()
		return nil
	}

	cp.closed = true
	detached := cp.detachAllLocked()
	cp.poolLock.Unlock()

	close(cp.stopSweep)
	<-cp.sweepDone

	err := cp.closeConnections(detached)
	cp.metrics.unregister()

	cp.logger.Info("connection pool closed",
		zap.Int("closed", len(detached)),
		zap.Error(err))

	return err
}

func (cp *ConnectionPool) detachAllLocked() []*pooledConnection {
	detached := make([]*pooledConnection, 0, len(cp.available)+len(cp.checkedOut))
	detached = append(detached, cp.available...)
	for _, pc := range cp.checkedOut {
		detached = append(detached, pc)
	}

	cp.available = nil
	cp.checkedOut = make(map[uint64]*pooledConnection)
	cp.affinity = make(map[Owner]affinityEntry)
	cp.generation++
	cp.updateGaugesLocked()

	return detached
}

// closeConnections closes each connection on its own goroutine; one failure never stops the rest.
func (cp *ConnectionPool) closeConnections(conns []*pooledConnection) error {
	var errs []error
	errLock := &sync.Mutex{}
	wg := &sync.WaitGroup{}

	for _, pc := range conns {
		wg.Add(1)

		go func(pc *pooledConnection) {
			defer wg.Done()

			if err := pc.shutdown(); err != nil {
				cp.handleError(err)

				errLock.Lock()
				errs = append(errs, err)
				errLock.Unlock()
			}
		}(pc)
	}

	wg.Wait()

	return errors.Join(errs...)
}

// SetDelegate replaces the pool's delegate. Nil removes it.
func (cp *ConnectionPool) SetDelegate(delegate Delegate) {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	cp.delegate = delegate
}

// SetMinimumCachedConnections changes the floor used by the next sweep.
func (cp *ConnectionPool) SetMinimumCachedConnections(minimum MinimumCached) error {
	if !minimum.IsInfinite() && minimum.count < 0 {
		return fmt.Errorf("%w: minimum cached connections can't be negative", ErrInvalidConfig)
	}

	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	cp.minimumCached = minimum
	return nil
}

// MinimumCachedConnections returns the current floor.
func (cp *ConnectionPool) MinimumCachedConnections() MinimumCached {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	return cp.minimumCached
}

// SetConnectionTimeToLive changes the idle lifetime used by the next sweep.
func (cp *ConnectionPool) SetConnectionTimeToLive(timeToLive TimeToLive) error {
	if ttl, finite := timeToLive.Duration(); finite && ttl < 0 {
		return fmt.Errorf("%w: connection time to live can't be negative", ErrInvalidConfig)
	}

	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	cp.timeToLive = timeToLive
	return nil
}

// ConnectionTimeToLive returns the current idle lifetime.
func (cp *ConnectionPool) ConnectionTimeToLive() TimeToLive {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	return cp.timeToLive
}

// SetSharedCacheModeEnabled changes the shared cache setting for connections opened from now on.
func (cp *ConnectionPool) SetSharedCacheModeEnabled(enabled bool) {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	cp.sharedCache = enabled
}

// SharedCacheModeEnabled reports the shared cache setting for new connections.
func (cp *ConnectionPool) SharedCacheModeEnabled() bool {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	return cp.sharedCache
}

// SetShouldCacheStatements changes the statement caching setting for connections opened from now on.
func (cp *ConnectionPool) SetShouldCacheStatements(enabled bool) {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	cp.cacheStatements = enabled
}

// ShouldCacheStatements reports the statement caching setting for new connections.
func (cp *ConnectionPool) ShouldCacheStatements() bool {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	return cp.cacheStatements
}

// Stats returns a snapshot of the pool.
func (cp *ConnectionPool) Stats() PoolStats {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	return PoolStats{
		Available:     len(cp.available),
		CheckedOut:    len(cp.checkedOut),
		Opening:       cp.opening,
		Owners:        len(cp.affinity),
		Observers:     cp.observers.len(),
		Generation:    cp.generation,
		Created:       cp.counters.created,
		Reused:        cp.counters.reused,
		Evicted:       cp.counters.evicted,
		Corrupted:     cp.counters.corrupted,
		OpenFailures:  cp.counters.openFailures,
		CheckinErrors: cp.counters.checkinErrors,
	}
}

func (cp *ConnectionPool) updateGaugesLocked() {
	cp.metrics.setSizes(len(cp.available), len(cp.checkedOut))
}

func (cp *ConnectionPool) handleError(err error) {
	if cp.errorHandler != nil {
		cp.errorHandler(err)
	}
}
