package tcl

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// observerRegistry keeps observers in registration order. Guarded by the pool's poolLock.
type observerRegistry struct {
	ordered []Observer
	members map[Observer]struct{}
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{
		members: make(map[Observer]struct{}),
	}
}

func (or *observerRegistry) add(observer Observer) bool {
	if _, ok := or.members[observer]; ok {
		return false
	}

	or.members[observer] = struct{}{}
	or.ordered = append(or.ordered, observer)
	return true
}

func (or *observerRegistry) remove(observer Observer) bool {
	if _, ok := or.members[observer]; !ok {
		return false
	}

	delete(or.members, observer)
	for i := range or.ordered {
		if or.ordered[i] == observer {
			or.ordered = append(or.ordered[:i], or.ordered[i+1:]...)
			break
		}
	}

	return true
}

// snapshot is safe to iterate after the lock is released.
func (or *observerRegistry) snapshot() []Observer {
	return append([]Observer(nil), or.ordered...)
}

func (or *observerRegistry) len() int {
	return len(or.ordered)
}

// corruptionNotice is what a retired connection owes its listeners, captured under the lock.
type corruptionNotice struct {
	delegate  Delegate
	observers []Observer
}

// AddObserver registers observer for corruption events. Adding the same observer twice is a no-op.
// Observers are compared by identity and must be comparable, so implement Observer on a pointer.
func (cp *ConnectionPool) AddObserver(observer Observer) error {
	if observer == nil || !reflect.TypeOf(observer).Comparable() {
		return fmt.Errorf("%w: %T", ErrInvalidObserver, observer)
	}

	cp.poolLock.Lock()
	added := cp.observers.add(observer)
	cp.poolLock.Unlock()

	if added {
		cp.logger.Debug("observer added", zap.String("observer", fmt.Sprintf("%T", observer)))
	}

	return nil
}

// RemoveObserver unregisters observer. Removing an observer that is not registered is a no-op.
func (cp *ConnectionPool) RemoveObserver(observer Observer) {
	if observer == nil || !reflect.TypeOf(observer).Comparable() {
		return
	}

	cp.poolLock.Lock()
	removed := cp.observers.remove(observer)
	cp.poolLock.Unlock()

	if removed {
		cp.logger.Debug("observer removed", zap.String("observer", fmt.Sprintf("%T", observer)))
	}
}

// ReportCorruption tells the pool that the connection's underlying storage is corrupt.
// The connection is removed from the pool and closed, then the delegate and every observer
// are notified on the calling goroutine. The connection must not be checked in afterwards;
// doing so is harmless and returns nil.
//
// Reporting a connection this pool does not hold returns ErrUnknownConnection.
func (cp *ConnectionPool) ReportCorruption(connHost *ConnectionHost) error {
	if connHost == nil || connHost.conn == nil || connHost.conn.pool != cp {
		return fmt.Errorf("unable to report corruption: %w", ErrUnknownConnection)
	}

	pc := connHost.conn
	if !cp.corruptionDetected(pc, nil) {
		cp.poolLock.Lock()
		alreadyRetired := pc.corrupted
		cp.poolLock.Unlock()

		if alreadyRetired {
			return nil
		}

		return fmt.Errorf("unable to report corruption on connection %d: %w", pc.id, ErrUnknownConnection)
	}

	return nil
}

// corruptionDetected retires pc if the pool still holds it. It reports whether it did.
func (cp *ConnectionPool) corruptionDetected(pc *pooledConnection, cause error) bool {
	cp.poolLock.Lock()
	if pc.corrupted || !cp.holdsLocked(pc) {
		cp.poolLock.Unlock()
		return false
	}

	notice := cp.retireCorruptLocked(pc)
	cp.poolLock.Unlock()

	cp.finishCorruption(pc, notice, cause)
	return true
}

func (cp *ConnectionPool) holdsLocked(pc *pooledConnection) bool {
	if current, ok := cp.checkedOut[pc.id]; ok && current == pc {
		return true
	}

	i := cp.indexOfAvailableLocked(pc.id)
	return i >= 0 && cp.available[i] == pc
}

// retireCorruptLocked takes pc out of every set so it never re-enters available.
func (cp *ConnectionPool) retireCorruptLocked(pc *pooledConnection) corruptionNotice {
	if pc.checkedOut {
		delete(cp.checkedOut, pc.id)
		pc.checkedOut = false
	} else if i := cp.indexOfAvailableLocked(pc.id); i >= 0 {
		cp.removeAvailableAtLocked(i)
	}

	pc.corrupted = true
	cp.dropAffinityLocked(pc)
	cp.counters.corrupted++
	cp.updateGaugesLocked()

	return corruptionNotice{
		delegate:  cp.delegate,
		observers: cp.observers.snapshot(),
	}
}

func (cp *ConnectionPool) finishCorruption(pc *pooledConnection, notice corruptionNotice, cause error) {
	cp.metrics.corrupted.Inc()
	cp.logger.Error("connection reported corruption",
		zap.Uint64("connection_id", pc.id),
		zap.String("owner", string(pc.owner)),
		zap.Int("observers", len(notice.observers)),
		zap.NamedError("cause", cause))

	if err := pc.shutdown(); err != nil {
		cp.logger.Error("failed to close corrupt connection", zap.Error(err))
		cp.handleError(err)
	}

	if notice.delegate != nil {
		cp.deliver(notice.delegate)
	}

	for _, observer := range notice.observers {
		cp.deliver(observer)
	}
}

// deliver recovers a panicking listener so the rest still hear about the corruption.
func (cp *ConnectionPool) deliver(observer Observer) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("corruption observer %T panicked: %v", observer, r)
			cp.logger.Error("observer failed", zap.Error(err))
			cp.handleError(err)
		}
	}()

	observer.CorruptionOccurred(cp)
}

func (cp *ConnectionPool) isCorruption(err error) bool {
	detector, ok := cp.driver.(CorruptionDetector)
	return ok && detector.IsCorruption(err)
}

// handleIsCorrupt runs under poolLock, so checkers must not block.
func (cp *ConnectionPool) handleIsCorrupt(pc *pooledConnection) bool {
	checker, ok := cp.driver.(CorruptionChecker)
	if !ok || pc.closed.Load() {
		return false
	}

	return checker.IsCorrupt(pc.handle)
}
