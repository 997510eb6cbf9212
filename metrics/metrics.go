package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure reasons reported by the dispatcher.
const (
	ReasonSink        = "sink"
	ReasonContract    = "contract"
	ReasonUnknownType = "unknown_type"
	ReasonAck         = "ack"
)

// Recorder receives dispatch events. Implementations must be cheap; they are
// called inline by the dispatch loop.
type Recorder interface {
	Fetched()
	Processed(reqType string, took time.Duration)
	Failed(reqType, reason string)
	Acked()
	Rejected()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Fetched()                        {}
func (Nop) Processed(string, time.Duration) {}
func (Nop) Failed(string, string)           {}
func (Nop) Acked()                          {}
func (Nop) Rejected()                       {}

// Prometheus exports dispatch counters and sink latency.
type Prometheus struct {
	fetched   prometheus.Counter
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	acked     prometheus.Counter
	rejected  prometheus.Counter
	duration  *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	return &Prometheus{
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "widget_requests_fetched_total",
			Help: "Number of requests fetched from the source",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widget_requests_processed_total",
			Help: "Number of requests applied to the sink",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "widget_requests_failed_total",
			Help: "Number of requests that failed, by reason",
		}, []string{"type", "reason"}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "widget_requests_acked_total",
			Help: "Number of deliveries acknowledged at the source",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "widget_requests_rejected_total",
			Help: "Number of deliveries rejected at the source",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "widget_sink_duration_seconds",
			Help:    "Latency of successful sink calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// Register adds all collectors to reg.
func (p *Prometheus) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{p.fetched, p.processed, p.failed, p.acked, p.rejected, p.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prometheus) Fetched() { p.fetched.Inc() }

func (p *Prometheus) Processed(reqType string, took time.Duration) {
	p.processed.WithLabelValues(reqType).Inc()
	p.duration.WithLabelValues(reqType).Observe(took.Seconds())
}

func (p *Prometheus) Failed(reqType, reason string) { p.failed.WithLabelValues(reqType, reason).Inc() }
func (p *Prometheus) Acked()                        { p.acked.Inc() }
func (p *Prometheus) Rejected()                     { p.rejected.Inc() }
