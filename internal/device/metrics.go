package device

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vocleair_device_requests_total",
		Help: "Requests issued to the fan device by endpoint and result",
	},
	[]string{"endpoint", "result"},
)

// MetricsCollectors exposes the device client collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{requestsTotal}
}

func observe(endpoint string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidResponse):
		result = "invalid_response"
	default:
		result = "unreachable"
	}
	requestsTotal.WithLabelValues(endpoint, result).Inc()
}
