package consistency

import (
	"context"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/materialize"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

// RestoreReport 一次恢复的结果
type RestoreReport struct {
	Restored []string
	// Skipped 仍有缺失或错误的依赖，保持错误状态
	Skipped []string
	// Failed 重建失败的字段，错误状态不变
	Failed []string
	Errors *multierror.Error
}

func (r *RestoreReport) Err() error {
	return r.Errors.ErrorOrNil()
}

// Manager 维护字段的错误状态
type Manager struct {
	gateway      rdb.Gateway
	registry     schema.Registry
	store        reference.Store
	resolver     *dependency.Resolver
	materializer *materialize.Materializer
	logger       logger.Logger
}

func NewManager(gateway rdb.Gateway, registry schema.Registry, store reference.Store, resolver *dependency.Resolver, materializer *materialize.Materializer) *Manager {
	return &Manager{
		gateway:      gateway,
		registry:     registry,
		store:        store,
		resolver:     resolver,
		materializer: materializer,
		logger:       logger.Nop{},
	}
}

func (m *Manager) SetLogger(l logger.Logger) {
	m.logger = l
}

// MarkError 设置表内字段的错误状态，只写入状态发生变化的字段并递增版本
// 不属于 tableID 的字段和已删除字段被忽略
func (m *Manager) MarkError(ctx context.Context, tableID string, fieldIDs []string, hasError bool) ([]*field.Field, error) {
	if len(fieldIDs) == 0 {
		return nil, nil
	}
	fields, err := m.registry.Fields(ctx, fieldIDs)
	if err != nil {
		return nil, errors.WithMessage(err, "load fields failed")
	}

	var changed []*field.Field
	for _, f := range fields {
		if f.TableID != tableID || f.Deleted() || f.HasError == hasError {
			continue
		}
		f.HasError = hasError
		f.Version++
		changed = append(changed, f)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := m.registry.SaveFields(ctx, changed...); err != nil {
		return nil, errors.WithMessage(err, "save fields failed")
	}
	m.logger.InfoContext(ctx, "mark field error", "tableId", tableID, "fieldIds", field.IDs(changed), "hasError", hasError)
	return changed, nil
}

// OnFieldsDeleted 在删除引用边之前解析传递依赖并标记为错误
// 只删除被删字段自身的依赖边，指向依赖字段的边保留给恢复时使用
func (m *Manager) OnFieldsDeleted(ctx context.Context, deletedIDs []string) (dependency.Dependents, error) {
	var dependents dependency.Dependents
	err := m.gateway.WithTx(ctx, func(ctx context.Context) error {
		var err error
		dependents, err = m.resolver.ResolveDependents(ctx, deletedIDs, dependency.Computed())
		if err != nil {
			return err
		}
		if err := m.breakFields(ctx, dependents.IDs()); err != nil {
			return err
		}
		return m.store.DeleteTo(ctx, deletedIDs...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "handle deleted fields failed")
	}
	return dependents, nil
}

// OnLookupTargetRemoved 关联字段的标题字段被删除，关联字段与其依赖字段进入错误状态
func (m *Manager) OnLookupTargetRemoved(ctx context.Context, linkFieldID string) (dependency.Dependents, error) {
	var dependents dependency.Dependents
	err := m.gateway.WithTx(ctx, func(ctx context.Context) error {
		f, err := m.registry.Field(ctx, linkFieldID)
		if err != nil {
			return err
		}
		o, ok := f.LinkOptions()
		if !f.IsLink() || !ok {
			return rdb.NewInvariantError("field [%s] of type %s is not a link", f.ID, f.Type)
		}
		dependents, err = m.resolver.ResolveDependents(ctx, []string{linkFieldID}, dependency.Computed())
		if err != nil {
			return err
		}
		if err := m.breakFields(ctx, append(dependents.IDs(), linkFieldID)); err != nil {
			return err
		}
		if o.LookupFieldID == "" {
			return nil
		}
		return m.store.Delete(ctx, reference.Edge{FromFieldID: o.LookupFieldID, ToFieldID: linkFieldID})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "handle removed lookup target of [%s] failed", linkFieldID)
	}
	return dependents, nil
}

// breakFields 把字段标记为错误，ids 按由深到浅排列
// 生成列先改为普通列，上游列删除后不会被生成列表达式阻塞
func (m *Manager) breakFields(ctx context.Context, ids []string) error {
	fields, err := m.registry.Fields(ctx, ids)
	if err != nil {
		return errors.WithMessage(err, "load fields failed")
	}
	index := field.Index(fields)

	var stmts []rdb.Statement
	var degraded []*field.Field
	byTable := map[string][]string{}
	for _, id := range ids {
		f, ok := index[id]
		if !ok || f.Deleted() {
			continue
		}
		byTable[f.TableID] = append(byTable[f.TableID], id)
		plan, err := m.materializer.PlanDegrade(ctx, f)
		if err != nil {
			return err
		}
		if len(plan) > 0 {
			stmts = append(stmts, plan...)
			degraded = append(degraded, f)
		}
	}
	if err := m.gateway.Exec(ctx, stmts...); err != nil {
		return err
	}
	if len(degraded) > 0 {
		if err := m.registry.SaveFields(ctx, degraded...); err != nil {
			return errors.WithMessage(err, "save fields failed")
		}
	}

	tables := make([]string, 0, len(byTable))
	for tableID := range byTable {
		tables = append(tables, tableID)
	}
	sort.Strings(tables)
	for _, tableID := range tables {
		if _, err := m.MarkError(ctx, tableID, byTable[tableID], true); err != nil {
			return err
		}
	}
	return nil
}

// RecreateDependentComputedColumns 字段恢复后按由浅到深的顺序恢复依赖字段
// 所有引用字段都存在且没有错误时才恢复，重新推导类型并在保存点内重建物理列
// 单个字段失败只记录在报告中，不影响同批次的其他字段
// tableID 为变化字段所在的表，只用于日志，其他表上的依赖字段同样恢复
func (m *Manager) RecreateDependentComputedColumns(ctx context.Context, tableID string, changedIDs []string) (*RestoreReport, error) {
	report := &RestoreReport{}
	err := m.gateway.WithTx(ctx, func(ctx context.Context) error {
		dependents, err := m.resolver.ResolveDependents(ctx, changedIDs)
		if err != nil {
			return err
		}
		fields, err := m.registry.Fields(ctx, dependents.IDs())
		if err != nil {
			return errors.WithMessage(err, "load dependent fields failed")
		}
		index := field.Index(fields)

		for _, d := range dependents.ShallowFirst() {
			f, ok := index[d.FieldID]
			if !ok || f.Deleted() || !f.HasError {
				continue
			}
			refs, ready, err := m.references(ctx, f)
			if err == nil && !ready {
				report.Skipped = append(report.Skipped, f.ID)
				continue
			}
			if err == nil {
				err = m.restore(ctx, f, refs)
			}
			if err != nil {
				m.logger.WarnContext(ctx, "restore field failed", "fieldId", f.ID, "tableId", f.TableID, "err", err)
				report.Failed = append(report.Failed, f.ID)
				report.Errors = multierror.Append(report.Errors, errors.WithMessagef(err, "restore field [%s]", f.ID))
				continue
			}
			report.Restored = append(report.Restored, f.ID)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "recreate dependent computed columns failed")
	}
	m.logger.InfoContext(ctx, "restore dependent fields", "tableId", tableID, "changedIds", changedIDs,
		"restored", report.Restored, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// references 读取字段引用的字段，ready 表示全部存在、未删除且没有错误
func (m *Manager) references(ctx context.Context, f *field.Field) (map[string]*field.Field, bool, error) {
	ids, err := References(f)
	if err != nil {
		return nil, false, err
	}
	fields, err := m.registry.Fields(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	refs := field.Index(fields)
	for _, id := range ids {
		ref, ok := refs[id]
		if !ok || ref.Deleted() || ref.HasError {
			return nil, false, nil
		}
	}
	return refs, true, nil
}

func (m *Manager) restore(ctx context.Context, f *field.Field, refs map[string]*field.Field) error {
	return m.gateway.WithSavepoint(ctx, "restore_"+f.ID, func(ctx context.Context) error {
		next := f.Clone()
		if err := DeriveType(ctx, m.materializer.Compiler(), next, refs); err != nil {
			return err
		}
		next.HasError = false

		stmts, err := m.materializer.PlanSchemaChange(ctx, next, f)
		if err != nil {
			return err
		}
		recompute, err := m.materializer.PlanRecompute(ctx, next, nil)
		if err != nil {
			return err
		}
		if err := m.gateway.Exec(ctx, append(stmts, recompute...)...); err != nil {
			return err
		}
		next.Version++
		return m.registry.SaveFields(ctx, next)
	})
}
