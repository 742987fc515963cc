package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hatlonely/fieldflow/cfg"
	"github.com/hatlonely/fieldflow/condition"
	"github.com/hatlonely/fieldflow/consistency"
	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/log"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/materialize"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

// Engine 计算字段引擎，对外的操作都在同一个环境事务中执行
type Engine struct {
	gateway      rdb.Gateway
	registry     schema.Registry
	store        reference.Store
	resolver     *dependency.Resolver
	links        *link.Manager
	materializer *materialize.Materializer
	consistency  *consistency.Manager
	condition    atomic.Pointer[condition.BuilderOptions]

	name    string
	logger  logger.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewEngineWithOptions compiler 为 nil 时使用系统列编译器加字段模板编译器
func NewEngineWithOptions(gateway rdb.Gateway, registry schema.Registry, store reference.Store, compiler materialize.ExpressionCompiler, options *Options) (*Engine, error) {
	if gateway == nil || registry == nil || store == nil {
		return nil, errors.New("gateway, registry and store are required")
	}
	if options == nil {
		options = &Options{}
	}
	if err := cfg.SetDefaults(options); err != nil {
		return nil, errors.WithMessage(err, "cfg.SetDefaults failed")
	}
	if err := cfg.Validate(options); err != nil {
		return nil, errors.WithMessage(err, "cfg.Validate failed")
	}

	l, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "log.NewLoggerWithOptions failed")
	}

	if compiler == nil {
		d := gateway.Dialect()
		compiler = &materialize.SystemCompiler{Dialect: d, Next: &materialize.TemplateCompiler{Dialect: d, Registry: registry}}
	}

	resolver := dependency.NewResolverWithOptions(store, registry, &options.Resolver)
	links := link.NewManager(gateway, registry, store)
	materializer := materialize.NewMaterializer(gateway, registry, links, compiler, rdb.NewLockPolicyWithOptions(&options.Lock))
	consistent := consistency.NewManager(gateway, registry, store, resolver, materializer)

	resolver.SetLogger(l.WithGroup("resolver"))
	links.SetLogger(l.WithGroup("link"))
	materializer.SetLogger(l.WithGroup("materialize"))
	consistent.SetLogger(l.WithGroup("consistency"))

	e := &Engine{
		gateway:      gateway,
		registry:     registry,
		store:        store,
		resolver:     resolver,
		links:        links,
		materializer: materializer,
		consistency:  consistent,
		name:         options.Observability.Name,
		logger:       l.WithGroup("engine"),
	}
	conditionOptions := options.Condition
	e.condition.Store(&conditionOptions)

	if options.Observability.EnableMetrics {
		e.metrics = NewMetrics(e.name, prometheus.DefaultRegisterer)
	}
	if options.Observability.EnableTracing {
		e.tracer = otel.Tracer(e.name)
	}
	return e, nil
}

// WithMetrics 使用指定的 registerer 注册指标
func (e *Engine) WithMetrics(registerer prometheus.Registerer) *Engine {
	e.metrics = NewMetrics(e.name, registerer)
	return e
}

func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer
	return e
}

func (e *Engine) WithLogger(l logger.Logger) *Engine {
	e.logger = l
	return e
}

func (e *Engine) Gateway() rdb.Gateway                    { return e.gateway }
func (e *Engine) Registry() schema.Registry               { return e.registry }
func (e *Engine) Store() reference.Store                  { return e.store }
func (e *Engine) Resolver() *dependency.Resolver          { return e.resolver }
func (e *Engine) Links() *link.Manager                    { return e.links }
func (e *Engine) Materializer() *materialize.Materializer { return e.materializer }

// Reload 热更新依赖展开层数、加锁阈值和条件时区
func (e *Engine) Reload(options *Options) error {
	if options == nil {
		return errors.New("options is required")
	}
	if err := cfg.SetDefaults(options); err != nil {
		return errors.WithMessage(err, "cfg.SetDefaults failed")
	}
	if err := cfg.Validate(options); err != nil {
		return errors.WithMessage(err, "cfg.Validate failed")
	}

	e.resolver.SetMaxDepth(options.Resolver.MaxDepth)
	e.materializer.SetLockPolicy(rdb.NewLockPolicyWithOptions(&options.Lock))
	conditionOptions := options.Condition
	e.condition.Store(&conditionOptions)

	e.logger.Info("engine options reloaded",
		"maxDepth", options.Resolver.MaxDepth,
		"rowLockThreshold", options.Lock.RowLockThreshold,
		"timeZone", options.Condition.TimeZone,
	)
	return nil
}

// WatchConfig 监听配置文件，文件变化后重新加载引擎选项
// 返回的 Watcher 由调用方关闭
func (e *Engine) WatchConfig(path string) (*cfg.Watcher, error) {
	watcher, err := cfg.NewWatcherWithOptions(&cfg.WatcherOptions{Path: path})
	if err != nil {
		return nil, errors.WithMessage(err, "cfg.NewWatcherWithOptions failed")
	}
	watcher.SetLogger(e.logger.WithGroup("watcher"))
	watcher.OnChange(e.reloadFile)
	if err := watcher.Watch(); err != nil {
		return nil, errors.WithMessage(err, "watcher.Watch failed")
	}
	return watcher, nil
}

func (e *Engine) reloadFile(path string) error {
	var options Options
	if err := cfg.LoadFile(path, &options); err != nil {
		return errors.WithMessagef(err, "load engine options from %s failed", path)
	}
	return e.Reload(&options)
}

// observe 在环境事务中执行 fn，并记录指标、追踪和日志
func (e *Engine) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, fmt.Sprintf("engine.%s", operation),
			trace.WithAttributes(
				attribute.String("component", e.name),
				attribute.String("operation", operation),
			),
		)
		defer span.End()
	}

	err := e.gateway.WithTx(ctx, fn)
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

	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.operationCounter.WithLabelValues(operation, status).Inc()
		e.metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	if err != nil {
		e.logger.WarnContext(ctx, "engine operation failed",
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"error", err.Error(),
		)
	} else {
		e.logger.DebugContext(ctx, "engine operation completed",
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return err
}

// ResolveDependents 字段的传递依赖字段，按层级由深到浅排列
func (e *Engine) ResolveDependents(ctx context.Context, fieldIDs []string, opts ...dependency.ResolveOption) (dependency.Dependents, error) {
	var dependents dependency.Dependents
	err := e.observe(ctx, "resolve_dependents", func(ctx context.Context) error {
		var err error
		dependents, err = e.resolver.ResolveDependents(ctx, fieldIDs, opts...)
		return err
	})
	return dependents, err
}

func (e *Engine) PlanLinkMutation(ctx context.Context, f *field.Field, op link.Operation, mctx *link.MutationContext) (*link.Plan, error) {
	var plan *link.Plan
	err := e.observe(ctx, "plan_link_mutation", func(ctx context.Context) error {
		var err error
		plan, err = e.links.PlanMutation(ctx, f, op, mctx)
		return err
	})
	return plan, err
}

// CollectLinkChange 不访问存储，没有变化时返回 nil
func (e *Engine) CollectLinkChange(f *field.Field, existingIDs []string, newRaw any) (*link.Change, error) {
	return link.CollectChange(f, existingIDs, newRaw)
}

// BuildConditionExpression 把过滤条件转换为表上的 SQL 条件
// tableAlias 为空时使用物理表名限定列名
func (e *Engine) BuildConditionExpression(ctx context.Context, tableID string, filter *condition.Filter, tableAlias string) (string, []any, error) {
	var sql string
	var args []any
	err := e.observe(ctx, "build_condition", func(ctx context.Context) error {
		fields, err := e.registry.TableFields(ctx, tableID)
		if err != nil {
			return errors.WithMessagef(err, "load fields of table [%s]", tableID)
		}
		if tableAlias == "" {
			if tableAlias, err = schema.DBTableName(ctx, e.registry, tableID); err != nil {
				return err
			}
		}
		builder := condition.NewBuilderWithOptions(e.gateway.Dialect(), fields, e.condition.Load())
		sql, args, err = builder.Build(filter, tableAlias)
		return err
	})
	return sql, args, err
}

func (e *Engine) MarkError(ctx context.Context, tableID string, fieldIDs []string, hasError bool) ([]*field.Field, error) {
	var changed []*field.Field
	err := e.observe(ctx, "mark_error", func(ctx context.Context) error {
		var err error
		changed, err = e.consistency.MarkError(ctx, tableID, fieldIDs, hasError)
		return err
	})
	return changed, err
}

// RecreateDependentComputedColumns 单个字段的恢复失败记录在报告中，不回滚其他字段
func (e *Engine) RecreateDependentComputedColumns(ctx context.Context, tableID string, changedFieldIDs []string) (*consistency.RestoreReport, error) {
	var report *consistency.RestoreReport
	err := e.observe(ctx, "recreate_dependents", func(ctx context.Context) error {
		var err error
		report, err = e.consistency.RecreateDependentComputedColumns(ctx, tableID, changedFieldIDs)
		return err
	})
	return report, err
}

// cascade 重算依赖字段并记录级联规模
func (e *Engine) cascade(ctx context.Context, tableID string, recordIDs []string, dependents dependency.Dependents) error {
	if len(dependents) == 0 {
		return nil
	}
	stmts, err := e.materializer.Cascade(ctx, tableID, recordIDs, dependents)
	if err != nil {
		return err
	}
	if err := e.gateway.Exec(ctx, stmts...); err != nil {
		return errors.WithMessage(err, "exec cascade failed")
	}
	if e.metrics != nil {
		for table, group := range dependents.ByTable() {
			e.metrics.cascadeFields.WithLabelValues(table).Add(float64(len(group)))
		}
	}
	e.logger.DebugContext(ctx, "cascade dependents", "tableId", tableID, "records", len(recordIDs), "fields", dependents.IDs())
	return nil
}
