package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the PV core.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline while a PV lock is held.
type Collector interface {
	IncWrite(pv, outcome string)
	IncHandlerError(pv, op string)
	IncProtocolError(reason string)
	SetPendingWrites(n int)
	IncNotifications(pv string, n int)
	IncScanFailure(pv string)
	ObserveScan(due int, elapsed time.Duration)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncWrite(string, string)        {}
func (noopCollector) IncHandlerError(string, string) {}
func (noopCollector) IncProtocolError(string)        {}
func (noopCollector) SetPendingWrites(int)           {}
func (noopCollector) IncNotifications(string, int)   {}
func (noopCollector) IncScanFailure(string)          {}
func (noopCollector) ObserveScan(int, time.Duration) {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	writes         *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	pendingWrites  prometheus.Gauge
	notifications  *prometheus.CounterVec
	scanFailures   *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	scanDue        prometheus.Gauge
}

var (
	writeCounter             *prometheus.CounterVec
	writeCounterLock         sync.Mutex
	handlerErrorCounter      *prometheus.CounterVec
	handlerErrorCounterLock  sync.Mutex
	protocolErrorCounter     *prometheus.CounterVec
	protocolErrorCounterLock sync.Mutex
	pendingWritesGauge       prometheus.Gauge
	pendingWritesGaugeLock   sync.Mutex
	notificationCounter      *prometheus.CounterVec
	notificationCounterLock  sync.Mutex
	scanFailureCounter       *prometheus.CounterVec
	scanFailureCounterLock   sync.Mutex
	scanDurationHistogram    prometheus.Histogram
	scanDurationLock         sync.Mutex
	scanDueGauge             prometheus.Gauge
	scanDueGaugeLock         sync.Mutex
)

// register adds collector to reg, returning the already registered instance
// when an identical metric exists.
func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

func registerCounterVec(reg prometheus.Registerer, lock *sync.Mutex, slot **prometheus.CounterVec, opts prometheus.CounterOpts, labels ...string) error {
	lock.Lock()
	defer lock.Unlock()
	if *slot != nil {
		return nil
	}
	counter, err := register(reg, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return err
	}
	*slot = counter
	return nil
}

func registerGauge(reg prometheus.Registerer, lock *sync.Mutex, slot *prometheus.Gauge, opts prometheus.GaugeOpts) error {
	lock.Lock()
	defer lock.Unlock()
	if *slot != nil {
		return nil
	}
	gauge, err := register(reg, prometheus.NewGauge(opts))
	if err != nil {
		return err
	}
	*slot = gauge
	return nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := registerCounterVec(reg, &writeCounterLock, &writeCounter, prometheus.CounterOpts{
		Name: "pvcore_writes_total",
		Help: "Number of client writes per PV and outcome.",
	}, "pv", "outcome"); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &handlerErrorCounterLock, &handlerErrorCounter, prometheus.CounterOpts{
		Name: "pvcore_handler_errors_total",
		Help: "Number of failed or panicking application handler calls.",
	}, "pv", "op"); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &protocolErrorCounterLock, &protocolErrorCounter, prometheus.CounterOpts{
		Name: "pvcore_protocol_errors_total",
		Help: "Number of completion protocol violations by reason.",
	}, "reason"); err != nil {
		return nil, err
	}
	if err := registerGauge(reg, &pendingWritesGaugeLock, &pendingWritesGauge, prometheus.GaugeOpts{
		Name: "pvcore_pending_writes",
		Help: "Number of asynchronous writes awaiting completion.",
	}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &notificationCounterLock, &notificationCounter, prometheus.CounterOpts{
		Name: "pvcore_notifications_total",
		Help: "Number of subscriber callbacks delivered per PV.",
	}, "pv"); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &scanFailureCounterLock, &scanFailureCounter, prometheus.CounterOpts{
		Name: "pvcore_scan_failures_total",
		Help: "Number of failed periodic refreshes per PV.",
	}, "pv"); err != nil {
		return nil, err
	}
	if err := registerGauge(reg, &scanDueGaugeLock, &scanDueGauge, prometheus.GaugeOpts{
		Name: "pvcore_scan_due",
		Help: "Number of PVs refreshed during the last scan tick.",
	}); err != nil {
		return nil, err
	}

	scanDurationLock.Lock()
	if scanDurationHistogram == nil {
		histogram, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvcore_scan_tick_seconds",
			Help:    "Duration of scan ticks that refreshed at least one PV.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}))
		if err != nil {
			scanDurationLock.Unlock()
			return nil, err
		}
		scanDurationHistogram = histogram
	}
	scanDurationLock.Unlock()

	return &PrometheusCollector{
		writes:         writeCounter,
		handlerErrors:  handlerErrorCounter,
		protocolErrors: protocolErrorCounter,
		pendingWrites:  pendingWritesGauge,
		notifications:  notificationCounter,
		scanFailures:   scanFailureCounter,
		scanDuration:   scanDurationHistogram,
		scanDue:        scanDueGauge,
	}, nil
}

// IncWrite counts a client write by outcome.
func (p *PrometheusCollector) IncWrite(pv, outcome string) {
	if p == nil || p.writes == nil {
		return
	}
	p.writes.WithLabelValues(pv, outcome).Inc()
}

// IncHandlerError counts a failed read or write handler call.
func (p *PrometheusCollector) IncHandlerError(pv, op string) {
	if p == nil || p.handlerErrors == nil {
		return
	}
	p.handlerErrors.WithLabelValues(pv, op).Inc()
}

// IncProtocolError counts a rejected completion.
func (p *PrometheusCollector) IncProtocolError(reason string) {
	if p == nil || p.protocolErrors == nil {
		return
	}
	p.protocolErrors.WithLabelValues(reason).Inc()
}

// SetPendingWrites updates the gauge of outstanding tokens.
func (p *PrometheusCollector) SetPendingWrites(n int) {
	if p == nil || p.pendingWrites == nil {
		return
	}
	p.pendingWrites.Set(float64(n))
}

func (p *PrometheusCollector) IncNotifications(pv string, n int) {
	if p == nil || p.notifications == nil || n <= 0 {
		return
	}
	p.notifications.WithLabelValues(pv).Add(float64(n))
}

func (p *PrometheusCollector) IncScanFailure(pv string) {
	if p == nil || p.scanFailures == nil {
		return
	}
	p.scanFailures.WithLabelValues(pv).Inc()
}

// ObserveScan records the size and duration of a scan tick.
func (p *PrometheusCollector) ObserveScan(due int, elapsed time.Duration) {
	if p == nil || p.scanDuration == nil {
		return
	}
	p.scanDue.Set(float64(due))
	if due > 0 {
		p.scanDuration.Observe(elapsed.Seconds())
	}
}
