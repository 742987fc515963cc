package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/rdb/query"
)

type BuilderOptions struct {
	// TimeZone 日期条件和字段都没有指定时区时使用
	TimeZone string `cfg:"timeZone" def:"UTC"`
}

// Builder 把过滤条件转换为参数化的 SQL 条件
type Builder struct {
	dialect  rdb.Dialect
	fields   map[string]*field.Field
	timeZone string
	now      func() time.Time
}

// NewBuilderWithOptions fields 为条件中可能引用的字段
func NewBuilderWithOptions(dialect rdb.Dialect, fields []*field.Field, options *BuilderOptions) *Builder {
	timeZone := "UTC"
	if options != nil && options.TimeZone != "" {
		timeZone = options.TimeZone
	}
	return &Builder{
		dialect:  dialect,
		fields:   field.Index(fields),
		timeZone: timeZone,
		now:      time.Now,
	}
}

func (b *Builder) SetNow(now func() time.Time) {
	b.now = now
}

// Build 生成 WHERE 条件，tableAlias 非空时列名带上表别名，空条件返回 1=1
func (b *Builder) Build(filter *Filter, tableAlias string) (string, []any, error) {
	q, err := b.Query(filter, tableAlias)
	if err != nil {
		return "", nil, err
	}
	return q.ToSQL()
}

func (b *Builder) Query(filter *Filter, tableAlias string) (query.Query, error) {
	if filter == nil || len(filter.Items) == 0 {
		return query.And(), nil
	}

	queries := make([]query.Query, 0, len(filter.Items))
	for _, n := range filter.Items {
		var q query.Query
		var err error
		switch x := n.(type) {
		case *Filter:
			q, err = b.Query(x, tableAlias)
		case *Item:
			q, err = b.item(x, tableAlias)
		default:
			err = rdb.NewValidationError("unknown filter node %T", n)
		}
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}

	switch filter.Conjunction {
	case And, "":
		return query.And(queries...), nil
	case Or:
		return query.Or(queries...), nil
	default:
		return nil, rdb.NewValidationError("unknown conjunction %q", filter.Conjunction)
	}
}

func (b *Builder) item(it *Item, tableAlias string) (query.Query, error) {
	f, ok := b.fields[it.FieldID]
	if !ok {
		return nil, rdb.NewValidationError("field [%s] in filter not found", it.FieldID)
	}
	if f.Deleted() {
		return nil, rdb.NewValidationError("field [%s] in filter is deleted", f.ID)
	}
	if f.DBFieldName == "" {
		return nil, rdb.NewInvariantError("field [%s] has no db field name", f.ID)
	}

	column := b.dialect.Quote(f.DBFieldName)
	if tableAlias != "" {
		column = b.dialect.Quote(tableAlias) + "." + column
	}
	q, err := field.Accept[query.Query](f, &itemVisitor{builder: b, item: it, column: column})
	if err != nil {
		return nil, errors.WithMessagef(err, "condition on field [%s]", f.ID)
	}
	return q, nil
}

// family 一类字段的条件生成方式
type family struct {
	name      string
	operators operatorSet
	// empty isEmpty 对应的条件，isNotEmpty 取反
	empty    query.Query
	positive func(op Operator, value any) (query.Query, error)
}

type itemVisitor struct {
	builder *Builder
	item    *Item
	column  string
}

func (v *itemVisitor) apply(f *field.Field, fam family) (query.Query, error) {
	op := v.item.Operator
	if !fam.operators.has(op) {
		return nil, rdb.NewValidationError("operator %q is not supported by %s field [%s]", op, fam.name, f.ID)
	}
	switch op {
	case IsEmpty:
		return fam.empty, nil
	case IsNotEmpty:
		return query.Not(fam.empty), nil
	}
	if v.item.Value == nil {
		return nil, rdb.NewValidationError("operator %q on field [%s] requires a value", op, f.ID)
	}
	if positive, ok := op.Positive(); ok {
		q, err := fam.positive(positive, v.item.Value)
		if err != nil {
			return nil, err
		}
		return query.NotOrNull(v.column, q), nil
	}
	return fam.positive(op, v.item.Value)
}

func (v *itemVisitor) isNull() query.Query {
	return query.Raw(v.column + " IS NULL")
}

func (v *itemVisitor) nullOrBlank() query.Query {
	return query.Or(v.isNull(), query.Raw(v.column+" = ''"))
}

func (v *itemVisitor) nullOrEmptyArray() query.Query {
	return query.Or(v.isNull(), query.Raw(v.builder.dialect.JSONArrayLength(v.column)+" = 0"))
}

func (v *itemVisitor) text(f *field.Field) (query.Query, error) {
	return v.apply(f, family{
		name:      "text",
		operators: textOperators,
		empty:     v.nullOrBlank(),
		positive: func(op Operator, value any) (query.Query, error) {
			s, err := toString(value)
			if err != nil {
				return nil, err
			}
			if op == Contains {
				return query.Like(v.column, s, v.builder.dialect.Like()), nil
			}
			return query.Term(v.column, s), nil
		},
	})
}

func (v *itemVisitor) number(f *field.Field) (query.Query, error) {
	return v.apply(f, family{
		name:      "number",
		operators: numberOperators,
		empty:     v.isNull(),
		positive: func(op Operator, value any) (query.Query, error) {
			n, err := toNumber(value)
			if err != nil {
				return nil, err
			}
			switch op {
			case IsGreater:
				return &query.RangeQuery{Field: v.column, Gt: n}, nil
			case IsGreaterEqual:
				return &query.RangeQuery{Field: v.column, Gte: n}, nil
			case IsLess:
				return &query.RangeQuery{Field: v.column, Lt: n}, nil
			case IsLessEqual:
				return &query.RangeQuery{Field: v.column, Lte: n}, nil
			}
			return query.Term(v.column, n), nil
		},
	})
}

// boolean 复选框未勾选时保存为 NULL，is false 匹配 NULL
func (v *itemVisitor) boolean(f *field.Field) (query.Query, error) {
	if v.item.Operator != Is {
		return nil, rdb.NewValidationError("operator %q is not supported by boolean field [%s]", v.item.Operator, f.ID)
	}
	checked := false
	switch x := v.item.Value.(type) {
	case nil:
	case bool:
		checked = x
	default:
		return nil, rdb.NewValidationError("boolean field [%s] expects true or false, got %v", f.ID, v.item.Value)
	}
	if checked {
		return query.Term(v.column, true), nil
	}
	return query.NotOrNull(v.column, query.Term(v.column, true)), nil
}

func (v *itemVisitor) date(f *field.Field) (query.Query, error) {
	return v.apply(f, family{
		name:      "date",
		operators: dateOperators,
		empty:     v.isNull(),
		positive: func(op Operator, value any) (query.Query, error) {
			dv, err := parseDateValue(value)
			if err != nil {
				return nil, rdb.NewValidationError("%v", err)
			}
			r, err := dv.Resolve(v.builder.now(), v.builder.fieldTimeZone(f), op == IsWithIn)
			if err != nil {
				return nil, err
			}
			switch op {
			case IsBefore:
				return &query.RangeQuery{Field: v.column, Lt: r.Start}, nil
			case IsAfter:
				return &query.RangeQuery{Field: v.column, Gte: r.End}, nil
			case IsOnOrBefore:
				return &query.RangeQuery{Field: v.column, Lt: r.End}, nil
			case IsOnOrAfter:
				return &query.RangeQuery{Field: v.column, Gte: r.Start}, nil
			}
			return &query.RangeQuery{Field: v.column, Gte: r.Start, Lt: r.End}, nil
		},
	})
}

func (v *itemVisitor) selectOne(f *field.Field) (query.Query, error) {
	return v.apply(f, family{
		name:      "select",
		operators: selectOperators,
		empty:     v.nullOrBlank(),
		positive: func(op Operator, value any) (query.Query, error) {
			if op == IsAnyOf {
				values, err := toStrings(value)
				if err != nil {
					return nil, err
				}
				return query.In(v.column, rdb.Args(choiceNames(f, values))...), nil
			}
			s, err := toString(value)
			if err != nil {
				return nil, err
			}
			return query.Term(v.column, choiceNames(f, []string{s})[0]), nil
		},
	})
}

// elements JSON 数组列的集合条件，key 非空时比较元素对象的该属性，titleKey 用于 contains
func (v *itemVisitor) elements(f *field.Field, name string, operators operatorSet, key string, titleKey string) (query.Query, error) {
	d := v.builder.dialect
	source := d.JSONElements(v.column, "je")
	return v.apply(f, family{
		name:      name,
		operators: operators,
		empty:     v.nullOrEmptyArray(),
		positive: func(op Operator, value any) (query.Query, error) {
			if op == Contains {
				s, err := toString(value)
				if err != nil {
					return nil, err
				}
				sql, args, err := query.Like(d.JSONElementText("je", titleKey), s, d.Like()).ToSQL()
				if err != nil {
					return nil, err
				}
				return query.Raw(fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)", source, sql), args...), nil
			}

			values, err := toStrings(value)
			if err != nil {
				return nil, err
			}
			if len(values) == 0 {
				return nil, rdb.NewValidationError("operator %q on field [%s] requires at least one value", op, f.ID)
			}
			if f.Kind() == field.KindMultipleSelect {
				values = choiceNames(f, values)
			}
			mode := query.SetAny
			switch op {
			case HasAllOf:
				mode = query.SetAll
			case IsExactly:
				mode = query.SetExactly
			}
			return &query.JSONSetQuery{Source: source, Element: d.JSONElementText("je", key), Mode: mode, Values: rdb.Args(values)}, nil
		},
	})
}

// record 单个记录引用，保存为 {"id": ..., "title": ...}
func (v *itemVisitor) record(f *field.Field) (query.Query, error) {
	d := v.builder.dialect
	id := d.JSONExtractText(v.column, "id")
	return v.apply(f, family{
		name:      "record",
		operators: recordOperators,
		empty:     v.isNull(),
		positive: func(op Operator, value any) (query.Query, error) {
			switch op {
			case Contains:
				s, err := toString(value)
				if err != nil {
					return nil, err
				}
				return query.Like(d.JSONExtractText(v.column, "title"), s, d.Like()), nil
			case IsAnyOf:
				ids, err := toStrings(value)
				if err != nil {
					return nil, err
				}
				return query.In(id, rdb.Args(ids)...), nil
			}
			s, err := toString(value)
			if err != nil {
				return nil, err
			}
			return query.Term(id, s), nil
		},
	})
}

func (v *itemVisitor) recordOrRecords(f *field.Field) (query.Query, error) {
	if f.IsMultipleCellValue {
		return v.elements(f, "records", recordsOperators, "id", "title")
	}
	return v.record(f)
}

// byCellValueType 计算字段按结果类型比较
func (v *itemVisitor) byCellValueType(f *field.Field) (query.Query, error) {
	if f.IsMultipleCellValue {
		return v.lookup(f)
	}
	switch f.CellValueType {
	case field.CellValueNumber:
		return v.number(f)
	case field.CellValueBoolean:
		return v.boolean(f)
	case field.CellValueDateTime:
		return v.date(f)
	default:
		return v.text(f)
	}
}

// lookup 查找字段保存为目标字段取值组成的数组
func (v *itemVisitor) lookup(f *field.Field) (query.Query, error) {
	switch f.Type {
	case field.TypeLink, field.TypeUser, field.TypeCreatedBy, field.TypeLastModifiedBy:
		return v.elements(f, "lookup", recordsOperators, "id", "title")
	case field.TypeAttachment:
		return v.elements(f, "lookup", attachOperators, "", "name")
	}
	return v.elements(f, "lookup", recordsOperators, "", "")
}

func (v *itemVisitor) VisitSingleLineText(f *field.Field) (query.Query, error) { return v.text(f) }
func (v *itemVisitor) VisitLongText(f *field.Field) (query.Query, error)       { return v.text(f) }
func (v *itemVisitor) VisitNumber(f *field.Field) (query.Query, error)         { return v.number(f) }
func (v *itemVisitor) VisitCheckbox(f *field.Field) (query.Query, error)       { return v.boolean(f) }
func (v *itemVisitor) VisitDate(f *field.Field) (query.Query, error)           { return v.date(f) }
func (v *itemVisitor) VisitRating(f *field.Field) (query.Query, error)         { return v.number(f) }
func (v *itemVisitor) VisitSingleSelect(f *field.Field) (query.Query, error)   { return v.selectOne(f) }

func (v *itemVisitor) VisitMultipleSelect(f *field.Field) (query.Query, error) {
	return v.elements(f, "multipleSelect", setOperators, "", "")
}

func (v *itemVisitor) VisitAttachment(f *field.Field) (query.Query, error) {
	return v.elements(f, "attachment", attachOperators, "", "name")
}

func (v *itemVisitor) VisitUser(f *field.Field) (query.Query, error) { return v.recordOrRecords(f) }
func (v *itemVisitor) VisitLink(f *field.Field) (query.Query, error) { return v.recordOrRecords(f) }

func (v *itemVisitor) VisitFormula(f *field.Field) (query.Query, error) { return v.byCellValueType(f) }
func (v *itemVisitor) VisitRollup(f *field.Field) (query.Query, error)  { return v.byCellValueType(f) }

func (v *itemVisitor) VisitConditionalRollup(f *field.Field) (query.Query, error) {
	return v.byCellValueType(f)
}

func (v *itemVisitor) VisitCreatedTime(f *field.Field) (query.Query, error)      { return v.date(f) }
func (v *itemVisitor) VisitLastModifiedTime(f *field.Field) (query.Query, error) { return v.date(f) }
func (v *itemVisitor) VisitCreatedBy(f *field.Field) (query.Query, error)        { return v.record(f) }
func (v *itemVisitor) VisitLastModifiedBy(f *field.Field) (query.Query, error)   { return v.record(f) }
func (v *itemVisitor) VisitAutoNumber(f *field.Field) (query.Query, error)       { return v.number(f) }

func (v *itemVisitor) VisitButton(f *field.Field) (query.Query, error) {
	return nil, rdb.NewValidationError("button field [%s] cannot be filtered", f.ID)
}

func (v *itemVisitor) VisitLookup(f *field.Field) (query.Query, error) { return v.lookup(f) }

func (v *itemVisitor) VisitConditionalLookup(f *field.Field) (query.Query, error) {
	return v.lookup(f)
}

func (b *Builder) fieldTimeZone(f *field.Field) string {
	if o, ok := f.DateOptions(); ok && o.TimeZone != "" {
		return o.TimeZone
	}
	if o, ok := f.FormulaOptions(); ok && o.TimeZone != "" {
		return o.TimeZone
	}
	if o, ok := f.RollupOptions(); ok && o.TimeZone != "" {
		return o.TimeZone
	}
	return b.timeZone
}

// choiceNames 选项 id 转换为名称，未知选项保持原值
func choiceNames(f *field.Field, values []string) []string {
	o, ok := f.SelectOptions()
	if !ok {
		return values
	}
	names := make([]string, len(values))
	for i, value := range values {
		if name, ok := o.ChoiceName(value); ok {
			names[i] = name
		} else {
			names[i] = value
		}
	}
	return names
}

func toString(value any) (string, error) {
	switch x := value.(type) {
	case string:
		return x, nil
	case map[string]any:
		if id, ok := x["id"].(string); ok {
			return id, nil
		}
	}
	return "", rdb.NewValidationError("expect a string value, got %v", value)
}

func toStrings(value any) ([]string, error) {
	switch x := value.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		values := make([]string, 0, len(x))
		for _, item := range x {
			s, err := toString(item)
			if err != nil {
				return nil, err
			}
			values = append(values, s)
		}
		return values, nil
	}
	return nil, rdb.NewValidationError("expect a list of strings, got %v", value)
}

func toNumber(value any) (float64, error) {
	switch x := value.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		if n, err := x.Float64(); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseFloat(x, 64); err == nil {
			return n, nil
		}
	}
	return 0, rdb.NewValidationError("expect a number value, got %v", value)
}
