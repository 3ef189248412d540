// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postdir_authentication_total",
			Help: "Authentication attempts and results, per directory.",
		},
		[]string{
			"directory", // Configured directory id.
			"result",    // ok, baduser, badcreds, error
		},
	)
)

func AuthenticationInc(directory, result string) {
	metricAuthentication.WithLabelValues(directory, result).Inc()
}
