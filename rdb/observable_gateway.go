package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hatlonely/fieldflow/log"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/refx"
)

type ObservableGatewayOptions struct {
	// Gateway 被包装的网关配置
	Gateway *refx.TypeOptions `cfg:"gateway" validate:"required"`

	Logger *refx.TypeOptions `cfg:"logger"`

	EnableMetrics bool `cfg:"enableMetrics" def:"true"`
	EnableLogging bool `cfg:"enableLogging" def:"true"`
	EnableTracing bool `cfg:"enableTracing" def:"false"`

	// Name 指标名前缀，同时作为日志和 span 的 component
	Name string `cfg:"name" def:"rdb_gateway"`
}

// GatewayMetrics 网关 prometheus 指标
type GatewayMetrics struct {
	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	activeOperations   *prometheus.GaugeVec
	statementHistogram *prometheus.HistogramVec
}

func NewGatewayMetrics(name string, registerer prometheus.Registerer) *GatewayMetrics {
	metrics := &GatewayMetrics{
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of gateway operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_operation_duration_seconds",
				Help:    "Duration of gateway operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		),
		activeOperations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name + "_active_operations",
				Help: "Number of active gateway operations",
			},
			[]string{"operation"},
		),
		statementHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_statements",
				Help:    "Number of statements per exec",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"operation"},
		),
	}

	metrics.operationCounter = registerOrReuse(registerer, metrics.operationCounter)
	metrics.operationDuration = registerOrReuse(registerer, metrics.operationDuration)
	metrics.activeOperations = registerOrReuse(registerer, metrics.activeOperations)
	metrics.statementHistogram = registerOrReuse(registerer, metrics.statementHistogram)

	return metrics
}

// registerOrReuse 同名指标已注册时复用已有的收集器
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

// ObservableGateway 装饰器，为任何 Gateway 添加指标、追踪和日志
type ObservableGateway struct {
	gateway Gateway

	logger        logger.Logger
	metrics       *GatewayMetrics
	tracer        trace.Tracer
	name          string
	enableMetrics bool
	enableLogging bool
	enableTracing bool
}

func NewObservableGatewayWithOptions(options *ObservableGatewayOptions) (*ObservableGateway, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	gateway, err := NewGatewayWithOptions(options.Gateway)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create underlying gateway")
	}

	obs := NewObservableGateway(gateway, options.Name)
	obs.enableMetrics = options.EnableMetrics
	obs.enableLogging = options.EnableLogging
	obs.enableTracing = options.EnableTracing

	if options.EnableLogging {
		l, err := log.NewLoggerWithOptions(options.Logger)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create logger")
		}
		obs.logger = l.WithGroup("observableGateway")
	}
	if options.EnableMetrics {
		obs.metrics = NewGatewayMetrics(obs.name, prometheus.DefaultRegisterer)
	}
	if options.EnableTracing {
		obs.tracer = otel.Tracer(fmt.Sprintf("rdb.%s", obs.name))
	}

	return obs, nil
}

// NewObservableGateway 包装已有网关，默认只开启日志
func NewObservableGateway(gateway Gateway, name string) *ObservableGateway {
	if name == "" {
		name = "rdb_gateway"
	}
	return &ObservableGateway{
		gateway:       gateway,
		name:          name,
		logger:        log.Default().WithGroup("observableGateway"),
		enableLogging: true,
	}
}

func (obs *ObservableGateway) WithMetrics(registerer prometheus.Registerer) *ObservableGateway {
	obs.metrics = NewGatewayMetrics(obs.name, registerer)
	obs.enableMetrics = true
	return obs
}

func (obs *ObservableGateway) WithTracer(tracer trace.Tracer) *ObservableGateway {
	obs.tracer = tracer
	obs.enableTracing = tracer != nil
	return obs
}

func (obs *ObservableGateway) WithLogger(logger logger.Logger) *ObservableGateway {
	obs.logger = logger
	obs.enableLogging = logger != nil
	return obs
}

func (obs *ObservableGateway) observe(ctx context.Context, operation string, statements int, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if obs.enableTracing && obs.tracer != nil {
		ctx, span = obs.tracer.Start(ctx, fmt.Sprintf("rdb.%s", operation),
			trace.WithAttributes(
				attribute.String("component", obs.name),
				attribute.String("operation", operation),
				attribute.String("dialect", obs.gateway.Dialect().Name()),
				attribute.Int("statements", statements),
			),
		)
		defer span.End()
	}

	if obs.enableMetrics && obs.metrics != nil {
		obs.metrics.statementHistogram.WithLabelValues(operation).Observe(float64(statements))
		obs.metrics.activeOperations.WithLabelValues(operation).Inc()
		defer obs.metrics.activeOperations.WithLabelValues(operation).Dec()
	}

	err := fn(ctx)
	duration := time.Since(start)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if obs.enableMetrics && obs.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		obs.metrics.operationCounter.WithLabelValues(operation, status).Inc()
		obs.metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	if obs.enableLogging && obs.logger != nil {
		if err != nil {
			obs.logger.ErrorContext(ctx, "gateway operation failed",
				"component", obs.name,
				"operation", operation,
				"statements", statements,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			obs.logger.DebugContext(ctx, "gateway operation completed",
				"component", obs.name,
				"operation", operation,
				"statements", statements,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}

	return err
}

func (obs *ObservableGateway) Dialect() Dialect {
	return obs.gateway.Dialect()
}

// Unwrap 返回被包装的网关
func (obs *ObservableGateway) Unwrap() Gateway {
	return obs.gateway
}

func (obs *ObservableGateway) Exec(ctx context.Context, stmts ...Statement) error {
	return obs.observe(ctx, "exec", len(stmts), func(ctx context.Context) error {
		return obs.gateway.Exec(ctx, stmts...)
	})
}

func (obs *ObservableGateway) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	var rows []Row
	err := obs.observe(ctx, "query", 1, func(ctx context.Context) error {
		var err error
		rows, err = obs.gateway.Query(ctx, stmt)
		return err
	})
	return rows, err
}

func (obs *ObservableGateway) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return obs.observe(ctx, "tx", 0, func(ctx context.Context) error {
		return obs.gateway.WithTx(ctx, fn)
	})
}

func (obs *ObservableGateway) WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return obs.observe(ctx, "savepoint", 0, func(ctx context.Context) error {
		return obs.gateway.WithSavepoint(ctx, name, fn)
	})
}

func (obs *ObservableGateway) Close() error {
	return obs.gateway.Close()
}
