package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/materialize"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/schema"
)

// UpdateRecord 写入一条记录的单元格并刷新依赖字段，返回重算的依赖字段
// 计算字段的取值被忽略，op 只接受 insert 和 update
func (e *Engine) UpdateRecord(ctx context.Context, tableID string, recordID string, values map[string]any, op link.Operation) (dependency.Dependents, error) {
	if op != link.OpInsert && op != link.OpUpdate {
		return nil, rdb.NewValidationError("unsupported record operation %q", op)
	}
	if recordID == "" {
		return nil, rdb.NewValidationError("record id is required")
	}

	var dependents dependency.Dependents
	err := e.observe(ctx, "update_record", func(ctx context.Context) error {
		table, err := schema.DBTableName(ctx, e.registry, tableID)
		if err != nil {
			return err
		}
		fields, err := e.writableFields(ctx, tableID, values)
		if err != nil {
			return err
		}

		rec := &materialize.RecordContext{TableID: tableID, RecordID: recordID, Op: op, ExistingLinks: map[string][]string{}}
		if op == link.OpUpdate {
			for _, f := range fields {
				if !f.IsLink() {
					continue
				}
				ids, err := e.links.LinkedIDs(ctx, f, recordID)
				if err != nil {
					return err
				}
				rec.ExistingLinks[f.ID] = ids
			}
		}

		columns := map[string]any{}
		var followUp []rdb.Statement
		var seeds, reordered []string
		var changedLinks []*field.Field
		for _, f := range fields {
			mut, err := e.materializer.MapValue(ctx, rec, f, values[f.ID])
			if err != nil {
				return err
			}
			if !mut.Writable {
				e.logger.DebugContext(ctx, "skip value of computed field", "fieldId", f.ID)
				continue
			}
			for column, value := range mut.Columns {
				columns[column] = value
			}
			followUp = append(followUp, mut.FollowUp...)

			switch {
			case !f.IsLink():
				seeds = append(seeds, f.ID)
			case mut.LinkChange.AffectsMembership():
				seeds = append(seeds, f.ID)
				changedLinks = append(changedLinks, f)
			case mut.LinkChange.Kind() == link.ChangeReorder:
				reordered = append(reordered, f.ID)
				changedLinks = append(changedLinks, f)
			}
		}

		if err := e.gateway.Exec(ctx, writeRow(e.gateway.Dialect(), table, recordID, op, columns)); err != nil {
			return errors.WithMessagef(err, "write record [%s] of table [%s] failed", recordID, tableID)
		}
		if err := e.gateway.Exec(ctx, followUp...); err != nil {
			return errors.WithMessage(err, "exec link statements failed")
		}
		for _, f := range changedLinks {
			stmts, err := e.materializer.PlanRecompute(ctx, f, []string{recordID})
			if err != nil {
				return err
			}
			if err := e.gateway.Exec(ctx, stmts...); err != nil {
				return errors.WithMessagef(err, "refresh link cell of field [%s] failed", f.ID)
			}
		}

		if dependents, err = e.changedDependents(ctx, seeds, reordered); err != nil {
			return err
		}
		return e.cascade(ctx, tableID, []string{recordID}, dependents)
	})
	if err != nil {
		return nil, err
	}
	return dependents, nil
}

// writableFields 按 id 排序返回待写入的字段
func (e *Engine) writableFields(ctx context.Context, tableID string, values map[string]any) ([]*field.Field, error) {
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fields, err := e.registry.Fields(ctx, ids)
	if err != nil {
		return nil, errors.WithMessage(err, "load fields failed")
	}
	index := field.Index(fields)
	result := make([]*field.Field, 0, len(ids))
	for _, id := range ids {
		f, ok := index[id]
		switch {
		case !ok || f.Deleted():
			return nil, rdb.NewValidationError("field [%s] not found", id)
		case f.TableID != tableID:
			return nil, rdb.NewValidationError("field [%s] does not belong to table [%s]", id, tableID)
		}
		result = append(result, f)
	}
	return result, nil
}

// changedDependents 关联记录只调整顺序时，只刷新与顺序相关的直接依赖及其下游
func (e *Engine) changedDependents(ctx context.Context, seeds []string, reordered []string) (dependency.Dependents, error) {
	dependents, err := e.resolver.ResolveDependents(ctx, seeds)
	if err != nil {
		return nil, err
	}
	if len(reordered) == 0 {
		return dependents, nil
	}

	direct, err := e.resolver.ResolveDependents(ctx, reordered, dependency.WithMaxDepth(1), dependency.WithFilter(link.OrderSensitive))
	if err != nil {
		return nil, err
	}
	if len(direct) == 0 {
		return dependents, nil
	}
	downstream, err := e.resolver.ResolveDependents(ctx, direct.IDs())
	if err != nil {
		return nil, err
	}
	for i := range downstream {
		downstream[i].Level++
	}
	return merge(dependents, direct, downstream), nil
}

// merge 合并多组依赖字段，同一字段取最大层级
func merge(groups ...dependency.Dependents) dependency.Dependents {
	index := map[string]dependency.Dependent{}
	for _, group := range groups {
		for _, d := range group {
			if prev, ok := index[d.FieldID]; ok && prev.Level >= d.Level {
				continue
			}
			index[d.FieldID] = d
		}
	}
	result := make(dependency.Dependents, 0, len(index))
	for _, d := range index {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Level != result[j].Level {
			return result[i].Level > result[j].Level
		}
		return result[i].FieldID < result[j].FieldID
	})
	return result
}

func writeRow(d rdb.Dialect, table string, recordID string, op link.Operation, columns map[string]any) rdb.Statement {
	keys := make([]string, 0, len(columns))
	for k := range columns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if op == link.OpInsert {
		names := []string{d.Quote(rdb.IDColumn)}
		args := []any{recordID}
		for _, k := range keys {
			names = append(names, d.Quote(k))
			args = append(args, columns[k])
		}
		return rdb.NewStatement(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			d.Quote(table), strings.Join(names, ", "), rdb.Placeholders(len(names))), args...)
	}

	if len(keys) == 0 {
		return rdb.Statement{}
	}
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = fmt.Sprintf("%s = ?", d.Quote(k))
		args = append(args, columns[k])
	}
	args = append(args, recordID)
	return rdb.NewStatement(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		d.Quote(table), strings.Join(sets, ", "), d.Quote(rdb.IDColumn)), args...)
}

// DeleteRecords 删除记录，清理两侧的关联存储并刷新其他表上的依赖字段
func (e *Engine) DeleteRecords(ctx context.Context, tableID string, recordIDs []string) (dependency.Dependents, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	var dependents dependency.Dependents
	err := e.observe(ctx, "delete_records", func(ctx context.Context) error {
		table, err := schema.DBTableName(ctx, e.registry, tableID)
		if err != nil {
			return err
		}
		fields, err := e.registry.TableFields(ctx, tableID)
		if err != nil {
			return errors.WithMessagef(err, "load fields of table [%s]", tableID)
		}

		var stmts []rdb.Statement
		var ids []string
		for _, f := range fields {
			if f.Deleted() {
				continue
			}
			ids = append(ids, f.ID)
			if !f.IsLink() {
				continue
			}
			plan, err := e.links.PlanDeletion(f, recordIDs)
			if err != nil {
				return err
			}
			stmts = append(stmts, plan.FollowUp...)
		}

		// 指向本表的关联字段都以本表字段为引用，从直接依赖中查找
		direct, err := e.resolver.ResolveDependents(ctx, ids, dependency.WithMaxDepth(1), dependency.WithFilter(func(f *field.Field) bool {
			o, ok := f.LinkOptions()
			return ok && o.ForeignTableID == tableID
		}))
		if err != nil {
			return err
		}
		inbound, err := e.registry.Fields(ctx, direct.IDs())
		if err != nil {
			return errors.WithMessage(err, "load inbound link fields failed")
		}
		for _, f := range inbound {
			plan, err := e.links.PlanForeignDeletion(f, recordIDs)
			if err != nil {
				return err
			}
			stmts = append(stmts, plan.FollowUp...)
		}

		d := e.gateway.Dialect()
		stmts = append(stmts, rdb.NewStatement(fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			d.Quote(table), d.Quote(rdb.IDColumn), rdb.Placeholders(len(recordIDs))), rdb.Args(recordIDs)...))
		if err := e.gateway.Exec(ctx, stmts...); err != nil {
			return errors.WithMessagef(err, "delete records of table [%s] failed", tableID)
		}

		// 被删除行上的同行字段不再需要重算
		dependents, err = e.resolver.ResolveDependents(ctx, ids, dependency.WithFilter(func(f *field.Field) bool {
			return f.TableID != tableID || f.IsLink() || f.Is(field.TraitLinkDerived) || f.Is(field.TraitForeignDerived)
		}))
		if err != nil {
			return err
		}
		return e.cascade(ctx, tableID, nil, dependents)
	})
	if err != nil {
		return nil, err
	}
	return dependents, nil
}
