package materialize

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/rdb"
)

// RecordContext 写入单元格的记录上下文
type RecordContext struct {
	TableID  string
	RecordID string
	Op       link.Operation
	// ExistingLinks 关联字段写入前的关联记录，按字段 id 索引
	ExistingLinks map[string][]string
}

// Mutation 单元格写入计划
type Mutation struct {
	// Writable 为 false 表示字段由引擎或数据库计算，不接受写入
	Writable bool
	Columns  map[string]any
	FollowUp []rdb.Statement
	// LinkChange 关联字段的变化，用于决定需要刷新的依赖字段
	LinkChange *link.Change
}

// MapValue 把原始取值转换为存储值
func (m *Materializer) MapValue(ctx context.Context, rec *RecordContext, f *field.Field, raw any) (*Mutation, error) {
	if rec == nil {
		rec = &RecordContext{}
	}
	mut, err := field.Accept[*Mutation](f, &valueMapper{ctx: ctx, m: m, rec: rec, raw: raw})
	if err != nil {
		return nil, errors.WithMessagef(err, "map value of field [%s]", f.ID)
	}
	return mut, nil
}

type valueMapper struct {
	ctx context.Context
	m   *Materializer
	rec *RecordContext
	raw any
}

func (v *valueMapper) set(f *field.Field, value any) (*Mutation, error) {
	return &Mutation{Writable: true, Columns: map[string]any{f.DBFieldName: value}}, nil
}

func (v *valueMapper) computed(*field.Field) (*Mutation, error) {
	return &Mutation{Columns: map[string]any{}}, nil
}

func (v *valueMapper) text(f *field.Field) (*Mutation, error) {
	switch x := v.raw.(type) {
	case nil:
		return v.set(f, nil)
	case string:
		if x == "" {
			return v.set(f, nil)
		}
		return v.set(f, x)
	}
	return nil, rdb.NewValidationError("field [%s] expects a string, got %v", f.ID, v.raw)
}

func (v *valueMapper) number(f *field.Field) (*Mutation, error) {
	var n float64
	switch x := v.raw.(type) {
	case nil:
		return v.set(f, nil)
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, rdb.NewValidationError("field [%s] expects a number, got %q", f.ID, x)
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, rdb.NewValidationError("field [%s] expects a number, got %q", f.ID, x)
		}
		n = parsed
	default:
		return nil, rdb.NewValidationError("field [%s] expects a number, got %v", f.ID, v.raw)
	}
	if o, ok := f.Options.(*field.RatingOptions); ok && o != nil && o.Max > 0 && (n < 0 || n > float64(o.Max)) {
		return nil, rdb.NewValidationError("rating of field [%s] must be between 0 and %d", f.ID, o.Max)
	}
	return v.set(f, n)
}

func (v *valueMapper) VisitSingleLineText(f *field.Field) (*Mutation, error) { return v.text(f) }
func (v *valueMapper) VisitLongText(f *field.Field) (*Mutation, error)       { return v.text(f) }
func (v *valueMapper) VisitNumber(f *field.Field) (*Mutation, error)         { return v.number(f) }
func (v *valueMapper) VisitRating(f *field.Field) (*Mutation, error)         { return v.number(f) }

// VisitCheckbox 未勾选保存为 NULL
func (v *valueMapper) VisitCheckbox(f *field.Field) (*Mutation, error) {
	switch x := v.raw.(type) {
	case nil:
		return v.set(f, nil)
	case bool:
		if !x {
			return v.set(f, nil)
		}
		return v.set(f, true)
	}
	return nil, rdb.NewValidationError("field [%s] expects a boolean, got %v", f.ID, v.raw)
}

func (v *valueMapper) VisitDate(f *field.Field) (*Mutation, error) {
	switch x := v.raw.(type) {
	case nil:
		return v.set(f, nil)
	case time.Time:
		return v.set(f, x.UTC())
	case *time.Time:
		if x == nil {
			return v.set(f, nil)
		}
		return v.set(f, x.UTC())
	case string:
		if x == "" {
			return v.set(f, nil)
		}
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, rdb.NewValidationError("field [%s] expects an RFC3339 time, got %q", f.ID, x)
		}
		return v.set(f, t.UTC())
	}
	return nil, rdb.NewValidationError("field [%s] expects a time, got %v", f.ID, v.raw)
}

// VisitSingleSelect 选项 id 或名称统一保存为名称
func (v *valueMapper) VisitSingleSelect(f *field.Field) (*Mutation, error) {
	switch x := v.raw.(type) {
	case nil:
		return v.set(f, nil)
	case string:
		if x == "" {
			return v.set(f, nil)
		}
		name, err := choiceName(f, x)
		if err != nil {
			return nil, err
		}
		return v.set(f, name)
	}
	return nil, rdb.NewValidationError("field [%s] expects a choice, got %v", f.ID, v.raw)
}

func (v *valueMapper) VisitMultipleSelect(f *field.Field) (*Mutation, error) {
	var values []string
	switch x := v.raw.(type) {
	case nil:
	case string:
		values = []string{x}
	case []string:
		values = x
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, rdb.NewValidationError("field [%s] expects choices, got %v", f.ID, v.raw)
			}
			values = append(values, s)
		}
	default:
		return nil, rdb.NewValidationError("field [%s] expects choices, got %v", f.ID, v.raw)
	}

	names := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		name, err := choiceName(f, value)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return v.json(f, names, len(names) == 0)
}

func (v *valueMapper) json(f *field.Field, value any, empty bool) (*Mutation, error) {
	if empty {
		return v.set(f, nil)
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return nil, rdb.NewValidationError("field [%s] value cannot be serialised: %v", f.ID, err)
	}
	return v.set(f, string(buf))
}

func (v *valueMapper) VisitAttachment(f *field.Field) (*Mutation, error) {
	switch x := v.raw.(type) {
	case nil:
		return v.set(f, nil)
	case []any:
		return v.json(f, x, len(x) == 0)
	case []map[string]any:
		return v.json(f, x, len(x) == 0)
	}
	return nil, rdb.NewValidationError("field [%s] expects a list of attachments, got %v", f.ID, v.raw)
}

func (v *valueMapper) VisitUser(f *field.Field) (*Mutation, error) {
	ids, err := link.ParseIDs(v.raw)
	if err != nil {
		return nil, rdb.NewValidationError("field [%s]: %v", f.ID, err)
	}
	if len(ids) == 0 {
		return v.set(f, nil)
	}
	if !f.IsMultipleCellValue {
		if len(ids) > 1 {
			return nil, rdb.NewValidationError("field [%s] accepts one user, got %d", f.ID, len(ids))
		}
		return v.json(f, map[string]string{"id": ids[0]}, false)
	}
	users := make([]map[string]string, len(ids))
	for i, id := range ids {
		users[i] = map[string]string{"id": id}
	}
	return v.json(f, users, false)
}

// VisitLink 写入关联 id 并合并关联存储的写入计划，标题由重算补齐
func (v *valueMapper) VisitLink(f *field.Field) (*Mutation, error) {
	op := v.rec.Op
	if op == "" {
		op = link.OpUpdate
	}
	plan, err := v.m.links.PlanMutation(v.ctx, f, op, &link.MutationContext{
		RecordID:    v.rec.RecordID,
		Value:       v.raw,
		ExistingIDs: v.rec.ExistingLinks[f.ID],
	})
	if err != nil {
		return nil, err
	}

	var cell any
	if plan.Change != nil {
		ids := plan.Change.Current
		if f.IsMultipleCellValue {
			items := make([]map[string]string, len(ids))
			for i, id := range ids {
				items[i] = map[string]string{"id": id}
			}
			cell = items
		} else if len(ids) > 0 {
			cell = map[string]string{"id": ids[0]}
		}
	}

	mut := &Mutation{Writable: true, Columns: plan.ColumnValues, FollowUp: plan.FollowUp, LinkChange: plan.Change}
	if plan.Change == nil {
		// 关联没有变化时不改写单元格
		return mut, nil
	}
	if cell == nil {
		mut.Columns[f.DBFieldName] = nil
		return mut, nil
	}
	buf, err := json.Marshal(cell)
	if err != nil {
		return nil, errors.Wrap(err, "json.Marshal failed")
	}
	mut.Columns[f.DBFieldName] = string(buf)
	return mut, nil
}

func (v *valueMapper) VisitFormula(f *field.Field) (*Mutation, error)           { return v.computed(f) }
func (v *valueMapper) VisitRollup(f *field.Field) (*Mutation, error)            { return v.computed(f) }
func (v *valueMapper) VisitConditionalRollup(f *field.Field) (*Mutation, error) { return v.computed(f) }
func (v *valueMapper) VisitCreatedTime(f *field.Field) (*Mutation, error)       { return v.computed(f) }
func (v *valueMapper) VisitLastModifiedTime(f *field.Field) (*Mutation, error)  { return v.computed(f) }
func (v *valueMapper) VisitCreatedBy(f *field.Field) (*Mutation, error)         { return v.computed(f) }
func (v *valueMapper) VisitLastModifiedBy(f *field.Field) (*Mutation, error)    { return v.computed(f) }
func (v *valueMapper) VisitAutoNumber(f *field.Field) (*Mutation, error)        { return v.computed(f) }
func (v *valueMapper) VisitButton(f *field.Field) (*Mutation, error)            { return v.computed(f) }
func (v *valueMapper) VisitLookup(f *field.Field) (*Mutation, error)            { return v.computed(f) }
func (v *valueMapper) VisitConditionalLookup(f *field.Field) (*Mutation, error) { return v.computed(f) }

func choiceName(f *field.Field, value string) (string, error) {
	o, ok := f.SelectOptions()
	if !ok {
		return value, nil
	}
	name, ok := o.ChoiceName(value)
	if !ok {
		return "", rdb.NewValidationError("field [%s] has no choice %q", f.ID, value)
	}
	return name, nil
}
