package engine

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 引擎 prometheus 指标
type Metrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	// cascadeFields 级联重算的字段数，按物理表统计
	cascadeFields *prometheus.CounterVec
}

func NewMetrics(name string, registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_engine_operations_total",
				Help: "Total number of engine operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_engine_operation_duration_seconds",
				Help:    "Duration of engine operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		),
		cascadeFields: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_engine_cascade_fields_total",
				Help: "Total number of dependent fields recomputed by cascades",
			},
			[]string{"table"},
		),
	}

	metrics.operationCounter = registerOrReuse(registerer, metrics.operationCounter)
	metrics.operationDuration = registerOrReuse(registerer, metrics.operationDuration)
	metrics.cascadeFields = registerOrReuse(registerer, metrics.cascadeFields)

	return metrics
}

func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
