package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricBackend = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "postdir_backend_duration_seconds",
		Help:    "Directory backend operations.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{
		"backend", // internal, ldap, sql, imap, smtp, lmtp, memory
		"op",      // find, auth, group, emails
		"result",  // ok, notfound, error
	},
)

// BackendObserve tracks the duration and result of one backend operation.
func BackendObserve(backend, op, result string, start time.Time) {
	metricBackend.WithLabelValues(backend, op, result).Observe(float64(time.Since(start)) / float64(time.Second))
}
