package materialize

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/schema"
)

type lockScope struct {
	ids       map[string]struct{}
	tableWide bool
}

// sameRow 字段只依赖同一行的取值，可以按记录重算
func sameRow(f *field.Field) bool {
	return !f.IsLink() && !f.Is(field.TraitLinkDerived) && !f.Is(field.TraitForeignDerived)
}

// Cascade 记录变化后按由浅到深的顺序重算依赖字段
// 同表同行的字段只重算变化的记录，经由关联或条件取值的字段整表重算
// 变化表上已有字段整表重算后，之后的同行字段也整表重算
// 加锁语句排在最前面，按物理表名排序
func (m *Materializer) Cascade(ctx context.Context, tableID string, recordIDs []string, dependents dependency.Dependents) ([]rdb.Statement, error) {
	if len(dependents) == 0 {
		return nil, nil
	}
	fields, err := m.registry.Fields(ctx, dependents.IDs())
	if err != nil {
		return nil, errors.WithMessage(err, "load dependent fields failed")
	}
	index := field.Index(fields)

	scopes := map[string]*lockScope{}
	var updates []rdb.Statement
	widened := false
	for _, d := range dependents.ShallowFirst() {
		f, ok := index[d.FieldID]
		if !ok || f.Deleted() {
			continue
		}
		if f.HasError {
			m.logger.DebugContext(ctx, "skip field with error", "fieldId", f.ID)
			continue
		}

		var ids []string
		if f.TableID == tableID && sameRow(f) && !widened {
			ids = recordIDs
		}
		stmts, err := m.PlanRecompute(ctx, f, ids)
		if err != nil {
			return nil, err
		}
		if len(stmts) == 0 {
			continue
		}
		updates = append(updates, stmts...)
		if f.TableID == tableID && ids == nil {
			widened = true
		}

		scope, ok := scopes[f.TableID]
		if !ok {
			scope = &lockScope{ids: map[string]struct{}{}}
			scopes[f.TableID] = scope
		}
		if ids == nil {
			scope.tableWide = true
		}
		for _, id := range ids {
			scope.ids[id] = struct{}{}
		}
	}

	locks, err := m.planLocks(ctx, scopes)
	if err != nil {
		return nil, err
	}
	return append(locks, updates...), nil
}

func (m *Materializer) planLocks(ctx context.Context, scopes map[string]*lockScope) ([]rdb.Statement, error) {
	type tableScope struct {
		name  string
		scope *lockScope
	}
	tables := make([]tableScope, 0, len(scopes))
	for tableID, scope := range scopes {
		name, err := schema.DBTableName(ctx, m.registry, tableID)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tableScope{name: name, scope: scope})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].name < tables[j].name })

	policy := m.LockPolicy()
	var stmts []rdb.Statement
	for _, t := range tables {
		ids := make([]string, 0, len(t.scope.ids))
		for id := range t.scope.ids {
			ids = append(ids, id)
		}
		stmts = append(stmts, policy.Plan(m.gateway.Dialect(), t.name, ids, t.scope.tableWide)...)
	}
	return stmts, nil
}
