package discovery

import "github.com/prometheus/client_golang/prometheus"

var (
	statusGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocleair_configuration_status",
		Help: "Device configuration status (0=unknown, 1=configured, 2=not configured)",
	})
	speedRawGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocleair_fan_speed_raw",
		Help: "Last known raw fan speed (0-255)",
	})
	speedPercentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vocleair_fan_percentage",
		Help: "Last known fan speed as a percentage",
	})
	provisioningTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vocleair_provisioning_total",
			Help: "Provisioning attempts by outcome",
		},
		[]string{"result"},
	)
)

// MetricsCollectors exposes the coordinator collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		statusGauge,
		speedRawGauge,
		speedPercentGauge,
		provisioningTotal,
	}
}
