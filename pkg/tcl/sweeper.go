package tcl

import (
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"
)

// evictionCandidate orders idle connections coldest first.
type evictionCandidate struct {
	pc *pooledConnection
}

// Compare returns -1 when ec was released before other, making it come out of the queue first.
func (ec evictionCandidate) Compare(other queue.Item) int {
	o := other.(evictionCandidate)

	switch {
	case ec.pc.lastReleasedAt.Before(o.pc.lastReleasedAt):
		return -1
	case ec.pc.lastReleasedAt.After(o.pc.lastReleasedAt):
		return 1
	case ec.pc.id < o.pc.id:
		return -1
	case ec.pc.id > o.pc.id:
		return 1
	default:
		return 0
	}
}

func (cp *ConnectionPool) sweepLoop() {
	defer close(cp.sweepDone)

	ticker := time.NewTicker(cp.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stopSweep:
			return
		case <-ticker.C:
			cp.Sweep()
		}
	}
}

// Sweep evicts idle connections that have outlived the time to live, coldest first, without
// letting the pool (available plus checked out) shrink below the minimum cached connections.
// Checked out connections are never touched. It returns how many connections were evicted.
//
// The pool runs Sweep on its own every SweepInterval.
func (cp *ConnectionPool) Sweep() int {
	cp.poolLock.Lock()

	if cp.closed || cp.timeToLive.IsInfinite() || len(cp.available) == 0 {
		cp.poolLock.Unlock()
		return 0
	}

	excess := len(cp.available) + len(cp.checkedOut) - cp.minimumCached.Floor()
	if excess <= 0 {
		cp.poolLock.Unlock()
		return 0
	}

	now := cp.now()
	candidates := queue.NewPriorityQueue(len(cp.available), true)
	if err := cp.rankExpiredLocked(candidates, now); err != nil {
		candidates.Dispose()
		cp.poolLock.Unlock()

		cp.logger.Warn("skipped sweep", zap.Error(err))
		cp.handleError(err)
		return 0
	}

	victims := make([]*pooledConnection, 0, candidates.Len())
	for excess > 0 && !candidates.Empty() {
		items, err := candidates.Get(1)
		if err != nil || len(items) == 0 {
			break
		}

		pc := items[0].(evictionCandidate).pc
		if i := cp.indexOfAvailableLocked(pc.id); i >= 0 {
			cp.removeAvailableAtLocked(i)
		}
		cp.dropAffinityLocked(pc)

		victims = append(victims, pc)
		excess--
	}

	candidates.Dispose()

	cp.counters.evicted += uint64(len(victims))
	cp.updateGaugesLocked()
	remaining := len(cp.available) + len(cp.checkedOut)
	cp.poolLock.Unlock()

	if len(victims) == 0 {
		return 0
	}

	if err := cp.closeConnections(victims); err != nil {
		cp.logger.Error("failed to close evicted connections", zap.Error(err))
	}

	cp.metrics.evicted.Add(float64(len(victims)))
	cp.logger.Info("evicted idle connections",
		zap.Int("evicted", len(victims)),
		zap.Int("remaining", remaining))

	return len(victims)
}

// rankExpiredLocked queues every available connection that has outlived the time to live.
func (cp *ConnectionPool) rankExpiredLocked(candidates *queue.PriorityQueue, now time.Time) error {
	for _, pc := range cp.available {
		if !cp.timeToLive.Expired(now.Sub(pc.lastReleasedAt)) {
			continue
		}

		if err := candidates.Put(evictionCandidate{pc: pc}); err != nil {
			return fmt.Errorf("unable to rank connection %d for eviction: %w", pc.id, err)
		}
	}

	return nil
}
