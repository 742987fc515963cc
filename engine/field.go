package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/consistency"
	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/rdb"
)

// FieldUpdate 字段定义变化的处理结果
type FieldUpdate struct {
	Field      *field.Field
	Dependents dependency.Dependents
	// Restore 因本次变化恢复的错误字段，字段新建时为空
	Restore *consistency.RestoreReport
}

// DefineReferences 用字段定义中的引用替换字段的全部依赖边
func (e *Engine) DefineReferences(ctx context.Context, f *field.Field) error {
	return e.observe(ctx, "define_references", func(ctx context.Context) error {
		return e.defineReferences(ctx, f)
	})
}

func (e *Engine) defineReferences(ctx context.Context, f *field.Field) error {
	ids, err := consistency.References(f)
	if err != nil {
		return err
	}
	if o, ok := f.LinkOptions(); ok && o.SymmetricFieldID != "" && o.SymmetricFieldID != f.ID {
		ids = append(ids, o.SymmetricFieldID)
	}
	return e.store.Replace(ctx, f.ID, ids)
}

func (e *Engine) OnFieldsDeleted(ctx context.Context, deletedIDs []string) (dependency.Dependents, error) {
	var dependents dependency.Dependents
	err := e.observe(ctx, "fields_deleted", func(ctx context.Context) error {
		var err error
		dependents, err = e.consistency.OnFieldsDeleted(ctx, deletedIDs)
		return err
	})
	return dependents, err
}

func (e *Engine) OnLookupTargetRemoved(ctx context.Context, linkFieldID string) (dependency.Dependents, error) {
	var dependents dependency.Dependents
	err := e.observe(ctx, "lookup_target_removed", func(ctx context.Context) error {
		var err error
		dependents, err = e.consistency.OnLookupTargetRemoved(ctx, linkFieldID)
		return err
	})
	return dependents, err
}

// OnFieldUpdated 字段新建或定义变化后重建物理列并刷新依赖字段
// previous 为 nil 表示新建字段，引用的字段必须存在且没有错误
func (e *Engine) OnFieldUpdated(ctx context.Context, f *field.Field, previous *field.Field) (*FieldUpdate, error) {
	if previous != nil && previous.ID != f.ID {
		return nil, rdb.NewInvariantError("field [%s] updated with definition of [%s]", f.ID, previous.ID)
	}

	result := &FieldUpdate{}
	err := e.observe(ctx, "field_updated", func(ctx context.Context) error {
		refs, err := e.readyReferences(ctx, f)
		if err != nil {
			return err
		}
		if err := e.defineReferences(ctx, f); err != nil {
			return err
		}

		next := f.Clone()
		next.HasError = false
		if previous != nil {
			next.Version = previous.Version
		}
		if err := consistency.DeriveType(ctx, e.materializer.Compiler(), next, refs); err != nil {
			return err
		}

		var dependents dependency.Dependents
		var degraded map[string]*field.Field
		if previous != nil {
			if dependents, err = e.resolver.ResolveDependents(ctx, []string{f.ID}); err != nil {
				return err
			}
			if degraded, err = e.degrade(ctx, dependents); err != nil {
				return err
			}
		}

		if err := e.rebuild(ctx, next, previous); err != nil {
			return err
		}
		if next.IsLink() && previous != nil {
			if err := e.syncLink(ctx, next, previous); err != nil {
				return err
			}
		}

		if err := e.refreshDependents(ctx, dependents, degraded); err != nil {
			return err
		}
		if err := e.cascade(ctx, f.TableID, nil, dependents); err != nil {
			return err
		}
		result.Field = next
		result.Dependents = dependents

		if previous != nil {
			report, err := e.consistency.RecreateDependentComputedColumns(ctx, f.TableID, []string{f.ID})
			if err != nil {
				return err
			}
			result.Restore = report
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// readyReferences 读取字段引用的字段，任一缺失、已删除或处于错误状态时返回校验错误
func (e *Engine) readyReferences(ctx context.Context, f *field.Field) (map[string]*field.Field, error) {
	ids, err := consistency.References(f)
	if err != nil {
		return nil, err
	}
	fields, err := e.registry.Fields(ctx, ids)
	if err != nil {
		return nil, errors.WithMessage(err, "load referenced fields failed")
	}
	refs := field.Index(fields)
	for _, id := range ids {
		ref, ok := refs[id]
		switch {
		case !ok || ref.Deleted():
			return nil, rdb.NewValidationError("field [%s] references missing field [%s]", f.ID, id)
		case ref.HasError:
			return nil, rdb.NewValidationError("field [%s] references field [%s] in error", f.ID, id)
		}
	}
	return refs, nil
}

// degrade 由深到浅把依赖字段的生成列改为普通列，被依赖的列才能删除或修改类型
func (e *Engine) degrade(ctx context.Context, dependents dependency.Dependents) (map[string]*field.Field, error) {
	fields, err := e.registry.Fields(ctx, dependents.IDs())
	if err != nil {
		return nil, errors.WithMessage(err, "load dependent fields failed")
	}
	index := field.Index(fields)

	degraded := map[string]*field.Field{}
	var stmts []rdb.Statement
	for _, d := range dependents {
		dep, ok := index[d.FieldID]
		if !ok || dep.Deleted() || dep.HasError || !dep.DBGenerated {
			continue
		}
		prev := dep.Clone()
		plan, err := e.materializer.PlanDegrade(ctx, dep)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, plan...)
		degraded[dep.ID] = prev
	}
	if err := e.gateway.Exec(ctx, stmts...); err != nil {
		return nil, errors.WithMessage(err, "degrade dependent generated columns failed")
	}
	return degraded, nil
}

// rebuild 调整字段的物理列并重算全部记录
func (e *Engine) rebuild(ctx context.Context, next *field.Field, previous *field.Field) error {
	stmts, err := e.materializer.PlanSchemaChange(ctx, next, previous)
	if err != nil {
		return err
	}
	recompute, err := e.materializer.PlanRecompute(ctx, next, nil)
	if err != nil {
		return err
	}
	if err := e.gateway.Exec(ctx, append(stmts, recompute...)...); err != nil {
		return errors.WithMessagef(err, "rebuild column of field [%s] failed", next.ID)
	}
	next.Version++
	return e.registry.SaveFields(ctx, next)
}

// syncLink 标题字段变化时同步对称字段
func (e *Engine) syncLink(ctx context.Context, next *field.Field, previous *field.Field) error {
	o, _ := next.LinkOptions()
	prev, ok := previous.LinkOptions()
	if o == nil || !ok || o.LookupFieldID == prev.LookupFieldID {
		return nil
	}
	pair, err := e.links.ChangeLookupField(ctx, next.ID, o.LookupFieldID)
	if err != nil {
		return err
	}
	if pair != nil && pair.Field != nil {
		*next = *pair.Field
	}
	return nil
}

// refreshDependents 由浅到深重新推导依赖字段的类型，类型变化或生成列被降级时重建物理列
// 处于错误状态的字段留给恢复流程处理
func (e *Engine) refreshDependents(ctx context.Context, dependents dependency.Dependents, degraded map[string]*field.Field) error {
	for _, d := range dependents.ShallowFirst() {
		dep, err := e.registry.Field(ctx, d.FieldID)
		if err != nil {
			return err
		}
		if dep.Deleted() || dep.HasError {
			continue
		}
		refs, err := e.readyReferences(ctx, dep)
		if err != nil {
			e.logger.DebugContext(ctx, "skip dependent with unready references", "fieldId", dep.ID, "error", err.Error())
			continue
		}
		next := dep.Clone()
		if err := consistency.DeriveType(ctx, e.materializer.Compiler(), next, refs); err != nil {
			return err
		}
		_, wasDegraded := degraded[dep.ID]
		if !wasDegraded && !typeChanged(dep, next) {
			continue
		}
		if err := e.rebuild(ctx, next, dep); err != nil {
			return err
		}
	}
	return nil
}

func typeChanged(a, b *field.Field) bool {
	return a.CellValueType != b.CellValueType || a.DBFieldType != b.DBFieldType || a.IsMultipleCellValue != b.IsMultipleCellValue
}

// OnSymmetricFieldDeleted 对称字段被删除后 f 退化为单向关联
// 依赖已删除对称字段的字段进入错误状态，f 的关联缓存和依赖字段按新存储重算
func (e *Engine) OnSymmetricFieldDeleted(ctx context.Context, f *field.Field) (*link.Demotion, error) {
	o, ok := f.LinkOptions()
	if !f.IsLink() || !ok {
		return nil, rdb.NewInvariantError("field [%s] of type %s is not a link", f.ID, f.Type)
	}
	symID := o.SymmetricFieldID

	var demotion *link.Demotion
	err := e.observe(ctx, "symmetric_field_deleted", func(ctx context.Context) error {
		var err error
		if demotion, err = e.links.HandleSymmetricDeleted(ctx, f); err != nil {
			return err
		}
		if symID == "" {
			return nil
		}
		if _, err := e.consistency.OnFieldsDeleted(ctx, []string{symID}); err != nil {
			return err
		}

		stmts, err := e.materializer.PlanRecompute(ctx, demotion.Field, nil)
		if err != nil {
			return err
		}
		if err := e.gateway.Exec(ctx, stmts...); err != nil {
			return errors.WithMessagef(err, "refresh link cells of field [%s] failed", f.ID)
		}
		dependents, err := e.resolver.ResolveDependents(ctx, []string{f.ID})
		if err != nil {
			return err
		}
		return e.cascade(ctx, f.TableID, nil, dependents)
	})
	if err != nil {
		return nil, err
	}
	return demotion, nil
}
