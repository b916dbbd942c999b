// Package metrics exposes lease pool and NAT table activity as Prometheus metrics.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Result label values.
const (
	ResultOK        = "ok"
	ResultExhausted = "exhausted"
	ResultNotFound  = "not_found"
)

// Recorder holds the metrics on its own registry, so several can live in one process.
type Recorder struct {
	registry *prometheus.Registry

	leaseRequests   *prometheus.CounterVec
	leaseExpired    *prometheus.CounterVec
	leaseAvailable  *prometheus.GaugeVec
	leaseActive     *prometheus.GaugeVec
	natTranslations *prometheus.CounterVec
	natEvicted      prometheus.Counter
	natEntries      prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		leaseRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "natlease_lease_requests_total",
				Help: "Lease requests and renewals by pool, operation and result",
			},
			[]string{"pool", "op", "result"},
		),

		leaseExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "natlease_lease_expired_total",
				Help: "Leases reclaimed by expiry sweeps",
			},
			[]string{"pool"},
		),

		leaseAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "natlease_lease_available",
				Help: "Addresses waiting in the free queue",
			},
			[]string{"pool"},
		),

		leaseActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "natlease_lease_active",
				Help: "Leases valid at the last observed time",
			},
			[]string{"pool"},
		),

		natTranslations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "natlease_nat_translations_total",
				Help: "NAT lookups by direction and result",
			},
			[]string{"op", "result"},
		),

		natEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "natlease_nat_evicted_total",
				Help: "NAT entries removed for idleness",
			},
		),

		natEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "natlease_nat_entries",
				Help: "Entries in the NAT table",
			},
		),
	}
	r.registry.MustRegister(
		r.leaseRequests,
		r.leaseExpired,
		r.leaseAvailable,
		r.leaseActive,
		r.natTranslations,
		r.natEvicted,
		r.natEntries,
	)
	return r
}

// Registry is exposed for serving or gathering.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) LeaseRequest(pool, op, result string) {
	r.leaseRequests.WithLabelValues(pool, op, result).Inc()
}

func (r *Recorder) LeasesExpired(pool string, n int) {
	r.leaseExpired.WithLabelValues(pool).Add(float64(n))
}

func (r *Recorder) PoolState(pool string, available, active int) {
	r.leaseAvailable.WithLabelValues(pool).Set(float64(available))
	r.leaseActive.WithLabelValues(pool).Set(float64(active))
}

func (r *Recorder) Translation(op, result string) {
	r.natTranslations.WithLabelValues(op, result).Inc()
}

func (r *Recorder) Evicted(n int) {
	r.natEvicted.Add(float64(n))
}

func (r *Recorder) NatEntries(n int) {
	r.natEntries.Set(float64(n))
}

// WriteText writes every metric in the Prometheus text format.
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
