package link

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

// Pair 双向关联的两个字段，只通过 Manager 一起更新
type Pair struct {
	Field     *field.Field
	Symmetric *field.Field
}

// Validate 检查两侧选项互相对应
func (p *Pair) Validate() error {
	a, err := linkOptions(p.Field)
	if err != nil {
		return err
	}
	b, err := linkOptions(p.Symmetric)
	if err != nil {
		return err
	}
	switch {
	case a.IsOneWay || b.IsOneWay:
		return rdb.NewInvariantError("link pair [%s, %s] contains a one way field", p.Field.ID, p.Symmetric.ID)
	case a.SymmetricFieldID != p.Symmetric.ID || b.SymmetricFieldID != p.Field.ID:
		return rdb.NewInvariantError("link pair [%s, %s] does not reference each other", p.Field.ID, p.Symmetric.ID)
	case a.ForeignTableID != p.Symmetric.TableID || b.ForeignTableID != p.Field.TableID:
		return rdb.NewInvariantError("link pair [%s, %s] has mismatched tables", p.Field.ID, p.Symmetric.ID)
	case b.Relationship != a.Relationship.Reverse():
		return rdb.NewInvariantError("link pair [%s, %s] has relationships %s and %s", p.Field.ID, p.Symmetric.ID, a.Relationship, b.Relationship)
	case a.FkHostTableName != b.FkHostTableName || a.SelfKeyName != b.ForeignKeyName || a.ForeignKeyName != b.SelfKeyName:
		return rdb.NewInvariantError("link pair [%s, %s] has mismatched storage", p.Field.ID, p.Symmetric.ID)
	}
	return nil
}

// LoadPair 读取双向关联的两个字段
func (m *Manager) LoadPair(ctx context.Context, fieldID string) (*Pair, error) {
	f, err := m.registry.Field(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	if o.IsOneWay || o.SymmetricFieldID == "" {
		return nil, rdb.NewValidationError("link field [%s] is one way", f.ID)
	}
	sym, err := m.registry.Field(ctx, o.SymmetricFieldID)
	if err != nil {
		return nil, errors.WithMessagef(err, "load symmetric field of [%s]", f.ID)
	}
	return &Pair{Field: f, Symmetric: sym}, nil
}

// SyncSymmetric 根据 f 的选项更新对称字段，两侧一次写入
// 同时补齐对称字段到 f 的引用边
func (m *Manager) SyncSymmetric(ctx context.Context, f *field.Field) (*Pair, error) {
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	if o.IsOneWay || o.SymmetricFieldID == "" {
		f.IsMultipleCellValue = o.Relationship.IsMultiple()
		f.Version++
		return nil, m.registry.SaveFields(ctx, f)
	}

	var pair *Pair
	err = m.gateway.WithTx(ctx, func(ctx context.Context) error {
		sym, err := m.registry.Field(ctx, o.SymmetricFieldID)
		if err != nil {
			return errors.WithMessagef(err, "load symmetric field of [%s]", f.ID)
		}
		if sym.TableID != o.ForeignTableID {
			return rdb.NewValidationError("symmetric field [%s] is not on foreign table [%s]", sym.ID, o.ForeignTableID)
		}
		lookupFieldID := ""
		if so, ok := sym.LinkOptions(); ok {
			lookupFieldID = so.LookupFieldID
		}
		mirror, err := MirrorOptions(f, lookupFieldID)
		if err != nil {
			return err
		}

		sym.Options = mirror
		sym.IsMultipleCellValue = mirror.Relationship.IsMultiple()
		sym.Version++
		f.IsMultipleCellValue = o.Relationship.IsMultiple()
		f.Version++

		pair = &Pair{Field: f, Symmetric: sym}
		if err := pair.Validate(); err != nil {
			return err
		}
		if err := m.registry.SaveFields(ctx, f, sym); err != nil {
			return errors.WithMessage(err, "save link pair failed")
		}
		return m.ensureEdge(ctx, reference.Edge{FromFieldID: sym.ID, ToFieldID: f.ID})
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// ChangeLookupField 修改关联字段展示的外表字段，并同步对称字段
func (m *Manager) ChangeLookupField(ctx context.Context, fieldID string, lookupFieldID string) (*Pair, error) {
	var pair *Pair
	err := m.gateway.WithTx(ctx, func(ctx context.Context) error {
		f, err := m.registry.Field(ctx, fieldID)
		if err != nil {
			return err
		}
		o, err := linkOptions(f)
		if err != nil {
			return err
		}
		if lookupFieldID == "" {
			return rdb.NewValidationError("link field [%s] requires lookupFieldId", f.ID)
		}
		o.LookupFieldID = lookupFieldID

		deps := []string{lookupFieldID}
		if !o.IsOneWay && o.SymmetricFieldID != "" {
			deps = append(deps, o.SymmetricFieldID)
		}
		if err := m.store.Replace(ctx, f.ID, deps); err != nil {
			return errors.WithMessage(err, "relink lookup field failed")
		}
		pair, err = m.SyncSymmetric(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (m *Manager) ensureEdge(ctx context.Context, edge reference.Edge) error {
	edges, err := m.store.Incoming(ctx, []string{edge.ToFieldID})
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e == edge {
			return nil
		}
	}
	m.logger.InfoContext(ctx, "recreate missing reference edge", "from", edge.FromFieldID, "to", edge.ToFieldID)
	return m.store.Add(ctx, edge)
}

// Demotion 对称字段删除后剩余字段的处理结果
type Demotion struct {
	Field *field.Field
	// Statements 存储方式变化时执行的迁移语句
	Statements []rdb.Statement
	// DegradedFieldIDs 依赖已删除对称字段的字段
	DegradedFieldIDs []string
}

// HandleSymmetricDeleted 对称字段被删除，f 退化为单向关联
// 存储方式变化时把关联数据迁移到新的存储，再删除旧的外键列
func (m *Manager) HandleSymmetricDeleted(ctx context.Context, f *field.Field) (*Demotion, error) {
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	demotion := &Demotion{Field: f}
	symID := o.SymmetricFieldID
	if symID == "" {
		return demotion, nil
	}

	err = m.gateway.WithTx(ctx, func(ctx context.Context) error {
		next := *o
		next.SymmetricFieldID = ""
		next.IsOneWay = true

		if from, to := storageOf(o), StorageOf(next.Relationship, true); from != to {
			stmts, err := m.migrate(ctx, f, o, &next)
			if err != nil {
				return err
			}
			demotion.Statements = stmts
			if err := m.gateway.Exec(ctx, stmts...); err != nil {
				return errors.WithMessagef(err, "migrate link storage of field [%s] from %s to %s", f.ID, from, to)
			}
		}

		edges, err := m.store.Outgoing(ctx, []string{symID})
		if err != nil {
			return err
		}
		for _, id := range reference.ToIDs(edges) {
			if id != f.ID {
				demotion.DegradedFieldIDs = append(demotion.DegradedFieldIDs, id)
			}
		}
		if err := m.store.Delete(ctx, reference.Edge{FromFieldID: symID, ToFieldID: f.ID}); err != nil {
			return err
		}

		f.Options = &next
		f.Version++
		return m.registry.SaveFields(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return demotion, nil
}

// migrate 生成从旧存储迁移到单向存储的语句，并把新的存储位置写入 next
func (m *Manager) migrate(ctx context.Context, f *field.Field, prev *field.LinkOptions, next *field.LinkOptions) ([]rdb.Statement, error) {
	selfTable, err := schema.DBTableName(ctx, m.registry, f.TableID)
	if err != nil {
		return nil, err
	}
	foreignTable, err := schema.DBTableName(ctx, m.registry, prev.ForeignTableID)
	if err != nil {
		return nil, err
	}
	keys := DeriveKeys(f.ID, "", selfTable, foreignTable, next.Relationship, true)
	keys.Apply(next)

	d := m.gateway.Dialect()
	prevOrder := OrderColumnOf(prev)
	var stmts []rdb.Statement
	switch StorageOf(next.Relationship, true) {
	case Junction:
		// 外表外键迁移到关联表
		for _, sql := range d.CreateJunctionTable(keys.FkHostTableName, keys.SelfKeyName, keys.ForeignKeyName) {
			stmts = append(stmts, rdb.NewStatement(sql))
		}
		orderExpr := "NULL"
		if prevOrder != "" {
			orderExpr = d.Quote(prevOrder)
		}
		stmts = append(stmts, rdb.NewStatement(fmt.Sprintf(
			"INSERT INTO %s (%s, %s, %s) SELECT %s, %s, %s FROM %s WHERE %s IS NOT NULL",
			d.Quote(keys.FkHostTableName), d.Quote(keys.SelfKeyName), d.Quote(keys.ForeignKeyName), d.Quote(rdb.OrderColumn),
			d.Quote(prev.SelfKeyName), d.Quote(prev.ForeignKeyName), orderExpr,
			d.Quote(prev.FkHostTableName), d.Quote(prev.SelfKeyName),
		)))
		next.HasOrderColumn = true
	case SelfFK:
		// 对方表上的外键迁移到当前表
		stmts = append(stmts,
			rdb.NewStatement(d.AddColumn(selfTable, keys.ForeignKeyName, rdb.ColumnText)),
			rdb.NewStatement(fmt.Sprintf(
				"UPDATE %s SET %s = (SELECT x.%s FROM %s AS x WHERE x.%s = %s.%s)",
				d.Quote(selfTable), d.Quote(keys.ForeignKeyName),
				d.Quote(prev.ForeignKeyName), d.Quote(prev.FkHostTableName), d.Quote(prev.SelfKeyName),
				d.Quote(selfTable), d.Quote(rdb.IDColumn),
			)),
		)
		next.HasOrderColumn = false
	default:
		return nil, rdb.NewInvariantError("link field [%s] cannot migrate to %s", f.ID, StorageOf(next.Relationship, true))
	}

	if prevOrder != "" {
		stmts = append(stmts, rdb.NewStatement(d.DropColumn(prev.FkHostTableName, prevOrder)))
	}
	stmts = append(stmts, rdb.NewStatement(d.DropColumn(prev.FkHostTableName, prev.SelfKeyName)))
	return stmts, nil
}
