package link

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// MutationContext 关联字段写入的上下文
type MutationContext struct {
	RecordID string
	// Value 新的原始值，insert 与 update 使用
	Value any
	// ExistingIDs 写入前已关联的外表记录，update 使用
	ExistingIDs []string
}

// Plan 关联字段写入计划
// ColumnValues 与当前记录同一条语句写入，FollowUp 在记录写入之后执行
type Plan struct {
	ColumnValues map[string]any
	FollowUp     []rdb.Statement
	Change       *Change
}

func newPlan() *Plan {
	return &Plan{ColumnValues: map[string]any{}}
}

func (p *Plan) add(stmts ...rdb.Statement) {
	p.FollowUp = append(p.FollowUp, stmts...)
}

// Manager 关联关系管理
type Manager struct {
	gateway  rdb.Gateway
	registry schema.Registry
	store    reference.Store
	logger   logger.Logger
}

func NewManager(gateway rdb.Gateway, registry schema.Registry, store reference.Store) *Manager {
	return &Manager{
		gateway:  gateway,
		registry: registry,
		store:    store,
		logger:   logger.Nop{},
	}
}

func (m *Manager) SetLogger(l logger.Logger) {
	m.logger = l
}

// PlanMutation 生成关联字段 insert / update / delete 的存储计划
func (m *Manager) PlanMutation(ctx context.Context, f *field.Field, op Operation, mctx *MutationContext) (*Plan, error) {
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	if mctx == nil || mctx.RecordID == "" {
		return nil, rdb.NewValidationError("link mutation of field [%s] requires record id", f.ID)
	}

	switch op {
	case OpInsert:
		change, err := CollectChange(f, nil, mctx.Value)
		if err != nil {
			return nil, err
		}
		return m.planChange(o, mctx.RecordID, change), nil
	case OpUpdate:
		change, err := CollectChange(f, mctx.ExistingIDs, mctx.Value)
		if err != nil {
			return nil, err
		}
		return m.planChange(o, mctx.RecordID, change), nil
	case OpDelete:
		return m.planDeletion(o, []string{mctx.RecordID}), nil
	default:
		return nil, rdb.NewValidationError("unknown link operation %q", op)
	}
}

// PlanDeletion 当前表记录被删除时清理关联存储
func (m *Manager) PlanDeletion(f *field.Field, recordIDs []string) (*Plan, error) {
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	return m.planDeletion(o, recordIDs), nil
}

// PlanForeignDeletion 外表记录被删除时清理当前字段的关联存储
func (m *Manager) PlanForeignDeletion(f *field.Field, foreignIDs []string) (*Plan, error) {
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	plan := newPlan()
	if len(foreignIDs) == 0 {
		return plan, nil
	}
	d := m.gateway.Dialect()
	switch storageOf(o) {
	case Junction:
		plan.add(rdb.NewStatement(
			fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.Quote(o.FkHostTableName), d.Quote(o.ForeignKeyName), rdb.Placeholders(len(foreignIDs))),
			rdb.Args(foreignIDs)...,
		))
	case SelfFK:
		plan.add(m.nullify(o, o.ForeignKeyName, foreignIDs, ""))
	}
	return plan, nil
}

func (m *Manager) planDeletion(o *field.LinkOptions, recordIDs []string) *Plan {
	plan := newPlan()
	if len(recordIDs) == 0 {
		return plan
	}
	d := m.gateway.Dialect()
	switch storageOf(o) {
	case Junction:
		plan.add(rdb.NewStatement(
			fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.Quote(o.FkHostTableName), d.Quote(o.SelfKeyName), rdb.Placeholders(len(recordIDs))),
			rdb.Args(recordIDs)...,
		))
	case ForeignFK:
		plan.add(m.nullify(o, o.SelfKeyName, recordIDs, ""))
	}
	// 外键在当前表时随记录一起删除
	return plan
}

func (m *Manager) planChange(o *field.LinkOptions, recordID string, change *Change) *Plan {
	plan := newPlan()
	plan.Change = change
	if change == nil {
		return plan
	}
	switch storageOf(o) {
	case Junction:
		m.planJunction(plan, o, recordID, change)
	case ForeignFK:
		m.planForeignFK(plan, o, recordID, change)
	case SelfFK:
		m.planSelfFK(plan, o, recordID, change)
	}
	return plan
}

// planJunction 先删后插，重复执行不会产生重复的关联行
func (m *Manager) planJunction(plan *Plan, o *field.LinkOptions, recordID string, change *Change) {
	d := m.gateway.Dialect()
	table := d.Quote(o.FkHostTableName)
	self, foreign := d.Quote(o.SelfKeyName), d.Quote(o.ForeignKeyName)
	orderColumn := OrderColumnOf(o)

	if len(change.Removed) > 0 {
		plan.add(rdb.NewStatement(
			fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IN (%s)", table, self, foreign, rdb.Placeholders(len(change.Removed))),
			append([]any{recordID}, rdb.Args(change.Removed)...)...,
		))
	}

	position := indexOf(change.Current)
	for _, id := range change.Added {
		plan.add(rdb.NewStatement(fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", table, self, foreign), recordID, id))
		if orderColumn == "" {
			plan.add(rdb.NewStatement(fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", table, self, foreign), recordID, id))
		} else {
			plan.add(rdb.NewStatement(
				fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)", table, self, foreign, d.Quote(orderColumn)),
				recordID, id, position[id],
			))
		}
	}

	if orderColumn == "" {
		return
	}
	for _, id := range movedIDs(change) {
		plan.add(rdb.NewStatement(
			fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s = ?", table, d.Quote(orderColumn), self, foreign),
			position[id], recordID, id,
		))
	}
}

// planForeignFK 外键在外表，通过跨表 UPDATE 维护
func (m *Manager) planForeignFK(plan *Plan, o *field.LinkOptions, recordID string, change *Change) {
	if len(change.Removed) > 0 {
		plan.add(m.nullify(o, o.ForeignKeyName, change.Removed, recordID))
	}

	orderColumn := OrderColumnOf(o)
	targets := change.Added
	if orderColumn != "" {
		targets = append(append([]string(nil), change.Added...), movedIDs(change)...)
	}
	if len(targets) == 0 {
		return
	}

	d := m.gateway.Dialect()
	set := fmt.Sprintf("%s = ?", d.Quote(o.SelfKeyName))
	args := []any{recordID}
	if orderColumn != "" {
		var cases strings.Builder
		position := indexOf(change.Current)
		for _, id := range targets {
			cases.WriteString(" WHEN ? THEN ?")
			args = append(args, id, position[id])
		}
		set += fmt.Sprintf(", %s = CASE %s%s END", d.Quote(orderColumn), d.Quote(o.ForeignKeyName), cases.String())
	}
	args = append(args, rdb.Args(targets)...)
	plan.add(rdb.NewStatement(
		fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)", d.Quote(o.FkHostTableName), set, d.Quote(o.ForeignKeyName), rdb.Placeholders(len(targets))),
		args...,
	))
}

// planSelfFK 外键列随记录写入，oneOne 同时解除其他记录对同一目标的引用
func (m *Manager) planSelfFK(plan *Plan, o *field.LinkOptions, recordID string, change *Change) {
	d := m.gateway.Dialect()
	table := d.Quote(o.FkHostTableName)
	fk := d.Quote(o.ForeignKeyName)
	id := d.Quote(rdb.IDColumn)
	orderColumn := OrderColumnOf(o)

	if len(change.Current) == 0 {
		plan.ColumnValues[o.ForeignKeyName] = nil
		if orderColumn != "" {
			plan.ColumnValues[orderColumn] = nil
		}
		return
	}

	target := change.Current[0]
	plan.ColumnValues[o.ForeignKeyName] = target
	if o.Relationship == OneOne {
		plan.add(rdb.NewStatement(fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ? AND %s <> ?", table, fk, fk, id), target, recordID))
	}
	if orderColumn != "" {
		// 追加到目标记录的关联列表末尾，派生表绕开 mysql 不能在子查询中读取被更新表的限制
		order := d.Quote(orderColumn)
		plan.add(rdb.NewStatement(
			fmt.Sprintf("UPDATE %s SET %s = (SELECT COALESCE(MAX(x.%s), 0) + 1 FROM (SELECT %s FROM %s WHERE %s = ? AND %s <> ?) AS x) WHERE %s = ?",
				table, order, order, order, table, fk, id, id),
			target, recordID, recordID,
		))
	}
}

// nullify 把宿主表中 column 属于 ids 的外键置空，owner 非空时只处理仍指向 owner 的行
func (m *Manager) nullify(o *field.LinkOptions, column string, ids []string, owner string) rdb.Statement {
	d := m.gateway.Dialect()
	fkColumn := o.ForeignKeyName
	if storageOf(o) == ForeignFK {
		fkColumn = o.SelfKeyName
	}
	set := fmt.Sprintf("%s = NULL", d.Quote(fkColumn))
	if orderColumn := OrderColumnOf(o); orderColumn != "" {
		set += fmt.Sprintf(", %s = NULL", d.Quote(orderColumn))
	}
	where := fmt.Sprintf("%s IN (%s)", d.Quote(column), rdb.Placeholders(len(ids)))
	args := rdb.Args(ids)
	if owner != "" {
		where += fmt.Sprintf(" AND %s = ?", d.Quote(fkColumn))
		args = append(args, owner)
	}
	return rdb.NewStatement(fmt.Sprintf("UPDATE %s SET %s WHERE %s", d.Quote(o.FkHostTableName), set, where), args...)
}

// LinkedIDs 读取记录当前关联的外表记录，有顺序列时按顺序返回
func (m *Manager) LinkedIDs(ctx context.Context, f *field.Field, recordID string) ([]string, error) {
	o, err := linkOptions(f)
	if err != nil {
		return nil, err
	}
	d := m.gateway.Dialect()
	selectColumn, whereColumn := o.ForeignKeyName, o.SelfKeyName
	orderBy := d.Quote(selectColumn)
	if orderColumn := OrderColumnOf(o); orderColumn != "" && storageOf(o) != SelfFK {
		orderBy = d.Quote(orderColumn) + ", " + orderBy
	}
	rows, err := m.gateway.Query(ctx, rdb.NewStatement(
		fmt.Sprintf("SELECT %s AS id FROM %s WHERE %s = ? AND %s IS NOT NULL ORDER BY %s",
			d.Quote(selectColumn), d.Quote(o.FkHostTableName), d.Quote(whereColumn), d.Quote(selectColumn), orderBy),
		recordID,
	))
	if err != nil {
		return nil, errors.WithMessagef(err, "load linked records of field [%s]", f.ID)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Text("id"))
	}
	return ids, nil
}

func indexOf(ids []string) map[string]int {
	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i + 1
	}
	return position
}

// movedIDs 保留下来但位置变化的记录
func movedIDs(change *Change) []string {
	prev := indexOf(change.Previous)
	curr := indexOf(change.Current)
	var moved []string
	for _, id := range change.Current {
		if p, ok := prev[id]; ok && p != curr[id] {
			moved = append(moved, id)
		}
	}
	return moved
}
