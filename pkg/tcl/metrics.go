package tcl

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "tcl"
	metricsSubsystem = "pool"
)

// poolMetrics are the per pool prometheus collectors. They always exist so the pool can record
// without nil checks; they are only exported when a Registerer was configured.
type poolMetrics struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector

	created       prometheus.Counter
	reused        prometheus.Counter
	evicted       prometheus.Counter
	corrupted     prometheus.Counter
	openFailures  prometheus.Counter
	checkinErrors prometheus.Counter
	available     prometheus.Gauge
	checkedOut    prometheus.Gauge
}

func newPoolMetrics(registerer prometheus.Registerer, poolID string, database string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool_id": poolID, "database": database}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	pm := &poolMetrics{
		registerer:    registerer,
		created:       counter("connections_created_total", "Connections opened by the driver"),
		reused:        counter("connections_reused_total", "Checkouts served by an idle connection"),
		evicted:       counter("connections_evicted_total", "Idle connections closed by the sweeper"),
		corrupted:     counter("connections_corrupted_total", "Connections retired after reporting corruption"),
		openFailures:  counter("open_failures_total", "Checkouts that failed to open a connection"),
		checkinErrors: counter("checkin_errors_total", "Rejected checkins"),
		available:     gauge("connections_available", "Idle connections"),
		checkedOut:    gauge("connections_checked_out", "Connections currently checked out"),
	}

	pm.collectors = []prometheus.Collector{
		pm.created, pm.reused, pm.evicted, pm.corrupted,
		pm.openFailures, pm.checkinErrors, pm.available, pm.checkedOut,
	}

	if registerer == nil {
		return pm, nil
	}

	for i, collector := range pm.collectors {
		if err := registerer.Register(collector); err != nil {
			for _, registered := range pm.collectors[:i] {
				registerer.Unregister(registered)
			}

			return nil, fmt.Errorf("unable to register pool metrics: %w", err)
		}
	}

	return pm, nil
}

func (pm *poolMetrics) setSizes(available int, checkedOut int) {
	pm.available.Set(float64(available))
	pm.checkedOut.Set(float64(checkedOut))
}

func (pm *poolMetrics) unregister() {
	if pm.registerer == nil {
		return
	}

	for _, collector := range pm.collectors {
		pm.registerer.Unregister(collector)
	}
}
