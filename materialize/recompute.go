package materialize

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/condition"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/rdb/aggregation"
	"github.com/hatlonely/fieldflow/schema"
)

type expression struct {
	SQL  string
	Args []any
}

// source 关联记录的表源，From 以 WHERE 条件结尾，外表别名为 f
type source struct {
	From  string
	Order string
	Args  []any
}

// PlanRecompute 生成重算字段取值的 UPDATE
// recordIDs 为 nil 时重算整张表，为空切片时不需要重算
// 数据库生成列和非计算字段返回空
func (m *Materializer) PlanRecompute(ctx context.Context, f *field.Field, recordIDs []string) ([]rdb.Statement, error) {
	if f.HasError || f.Deleted() || (recordIDs != nil && len(recordIDs) == 0) {
		return nil, nil
	}
	table, err := schema.DBTableName(ctx, m.registry, f.TableID)
	if err != nil {
		return nil, err
	}

	d := m.gateway.Dialect()
	expr, err := field.Accept[*expression](f, &recomputer{ctx: ctx, m: m, self: d.Quote(table)})
	if err != nil {
		return nil, errors.WithMessagef(err, "recompute field [%s]", f.ID)
	}
	if expr == nil {
		return nil, nil
	}

	sql := fmt.Sprintf("UPDATE %s SET %s = %s", d.Quote(table), d.Quote(f.DBFieldName), expr.SQL)
	args := expr.Args
	if recordIDs != nil {
		sql += fmt.Sprintf(" WHERE %s IN (%s)", d.Quote(rdb.IDColumn), rdb.Placeholders(len(recordIDs)))
		args = append(args, rdb.Args(recordIDs)...)
	}
	return []rdb.Statement{rdb.NewStatement(sql, args...)}, nil
}

type recomputer struct {
	ctx  context.Context
	m    *Materializer
	self string
}

func (r *recomputer) none(*field.Field) (*expression, error) {
	return nil, nil
}

func (r *recomputer) quote(ident string) string {
	return r.m.gateway.Dialect().Quote(ident)
}

// linked 当前记录通过关联字段关联的外表记录
func (r *recomputer) linked(linkField *field.Field) (*source, error) {
	o, ok := linkField.LinkOptions()
	if !ok {
		return nil, rdb.NewValidationError("link field [%s] has no options", linkField.ID)
	}
	storage, err := link.StorageOfField(linkField)
	if err != nil {
		return nil, err
	}
	foreign, err := schema.DBTableName(r.ctx, r.m.registry, o.ForeignTableID)
	if err != nil {
		return nil, err
	}

	id := r.quote(rdb.IDColumn)
	self := r.self + "." + id
	orderColumn := link.OrderColumnOf(o)
	switch storage {
	case link.Junction:
		order := "j." + id
		if orderColumn != "" {
			order = "j." + r.quote(orderColumn)
		}
		return &source{
			From: fmt.Sprintf("%s AS j JOIN %s AS f ON f.%s = j.%s WHERE j.%s = %s",
				r.quote(o.FkHostTableName), r.quote(foreign), id, r.quote(o.ForeignKeyName), r.quote(o.SelfKeyName), self),
			Order: order,
		}, nil
	case link.ForeignFK:
		order := "f." + id
		if orderColumn != "" {
			order = "f." + r.quote(orderColumn)
		}
		return &source{
			From:  fmt.Sprintf("%s AS f WHERE f.%s = %s", r.quote(foreign), r.quote(o.SelfKeyName), self),
			Order: order,
		}, nil
	default:
		return &source{
			From:  fmt.Sprintf("%s AS f WHERE f.%s = %s.%s", r.quote(foreign), id, r.self, r.quote(o.ForeignKeyName)),
			Order: "f." + id,
		}, nil
	}
}

// filtered 外表中满足条件的记录
func (r *recomputer) filtered(foreignTableID string, raw []byte) (*source, error) {
	foreign, err := schema.DBTableName(r.ctx, r.m.registry, foreignTableID)
	if err != nil {
		return nil, err
	}
	filter, err := condition.ParseFilter(raw)
	if err != nil {
		return nil, err
	}
	fields, err := r.m.registry.TableFields(r.ctx, foreignTableID)
	if err != nil {
		return nil, err
	}
	where, args, err := condition.NewBuilderWithOptions(r.m.gateway.Dialect(), fields, nil).Build(filter, "f")
	if err != nil {
		return nil, err
	}
	return &source{
		From:  fmt.Sprintf("%s AS f WHERE %s", r.quote(foreign), where),
		Order: "f." + r.quote(rdb.IDColumn),
		Args:  args,
	}, nil
}

// target 读取被查找的外表字段，字段已删除时视为错误
func (r *recomputer) target(f *field.Field, id string) (*field.Field, error) {
	target, err := r.m.registry.Field(r.ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "load target field [%s] of [%s]", id, f.ID)
	}
	if target.Deleted() {
		return nil, rdb.NewInvariantError("target field [%s] of [%s] is deleted", id, f.ID)
	}
	return target, nil
}

func (r *recomputer) lookupSource(f *field.Field) (*source, *field.Field, error) {
	lo := f.LookupOptions
	if lo == nil || lo.LookupFieldID == "" {
		return nil, nil, rdb.NewValidationError("field [%s] requires lookup options", f.ID)
	}
	target, err := r.target(f, lo.LookupFieldID)
	if err != nil {
		return nil, nil, err
	}
	if f.IsConditionalLookup || lo.LinkFieldID == "" {
		if lo.ForeignTableID == "" {
			return nil, nil, rdb.NewValidationError("conditional field [%s] requires foreignTableId", f.ID)
		}
		src, err := r.filtered(lo.ForeignTableID, lo.Filter)
		return src, target, err
	}
	linkField, err := r.target(f, lo.LinkFieldID)
	if err != nil {
		return nil, nil, err
	}
	src, err := r.linked(linkField)
	return src, target, err
}

// collect 把关联记录上目标字段的取值聚合为 JSON 数组，单值字段只取第一条
func (r *recomputer) collect(f *field.Field, target *field.Field, src *source) (*expression, error) {
	d := r.m.gateway.Dialect()
	value := "f." + r.quote(target.DBFieldName)
	if !f.IsMultipleCellValue {
		return &expression{
			SQL:  fmt.Sprintf("(SELECT %s FROM %s ORDER BY %s LIMIT 1)", value, src.From, src.Order),
			Args: src.Args,
		}, nil
	}

	element := "t.v"
	if target.Is(field.TraitJSONBacked) || target.IsMultipleCellValue {
		element = d.JSONValue(element)
	}
	list, err := (&aggregation.JSONListAggregation{MetricAggregation: aggregation.MetricAggregation{Field: element}, OrderBy: "t.o"}).ToSQL(d)
	if err != nil {
		return nil, err
	}
	return &expression{
		SQL: fmt.Sprintf("(SELECT %s FROM (SELECT %s AS v, %s AS o FROM %s AND %s IS NOT NULL ORDER BY o) AS t)",
			list, value, src.Order, src.From, value),
		Args: src.Args,
	}, nil
}

func (r *recomputer) lookup(f *field.Field) (*expression, error) {
	src, target, err := r.lookupSource(f)
	if err != nil {
		return nil, err
	}
	return r.collect(f, target, src)
}

func (r *recomputer) rollup(f *field.Field, src *source, target *field.Field) (*expression, error) {
	o, ok := f.RollupOptions()
	if !ok {
		return nil, rdb.NewValidationError("rollup field [%s] has no options", f.ID)
	}
	value := "f." + r.quote(target.DBFieldName)
	inner := fmt.Sprintf("SELECT %s AS v, %s AS o FROM %s ORDER BY o", value, src.Order, src.From)
	metric := aggregation.MetricAggregation{Field: "t.v"}

	var agg aggregation.Aggregation
	switch fn := field.RollupFunction(o.Expression); fn {
	case "sum":
		agg = &aggregation.SumAggregation{MetricAggregation: metric}
	case "average", "avg":
		agg = &aggregation.AvgAggregation{MetricAggregation: metric}
	case "max":
		agg = &aggregation.MaxAggregation{MetricAggregation: metric}
	case "min":
		agg = &aggregation.MinAggregation{MetricAggregation: metric}
	case "count", "counta":
		agg = &aggregation.CountAggregation{MetricAggregation: metric}
	case "countall":
		agg = &aggregation.CountAggregation{}
	case "countunique", "count_unique":
		agg = &aggregation.CountAggregation{MetricAggregation: metric, Distinct: true}
	case "and", "or", "xor":
		agg = &aggregation.BoolAggregation{MetricAggregation: metric, Op: aggregation.AggregationType(fn)}
	case "array_join", "concatenate":
		agg = &aggregation.ConcatAggregation{MetricAggregation: metric, Separator: ", ", OrderBy: "t.o"}
	case "array_compact":
		inner = fmt.Sprintf("SELECT %s AS v, %s AS o FROM %s AND %s IS NOT NULL ORDER BY o", value, src.Order, src.From, value)
		agg = &aggregation.JSONListAggregation{MetricAggregation: metric, OrderBy: "t.o"}
	case "array_unique":
		inner = fmt.Sprintf("SELECT %s AS v, MIN(%s) AS o FROM %s AND %s IS NOT NULL GROUP BY %s ORDER BY o",
			value, src.Order, src.From, value, value)
		agg = &aggregation.JSONListAggregation{MetricAggregation: metric, OrderBy: "t.o"}
	default:
		return nil, rdb.NewValidationError("rollup field [%s] has unsupported function %q", f.ID, fn)
	}

	sql, err := agg.ToSQL(r.m.gateway.Dialect())
	if err != nil {
		return nil, errors.WithMessagef(err, "rollup field [%s]", f.ID)
	}
	return &expression{SQL: fmt.Sprintf("(SELECT %s FROM (%s) AS t)", sql, inner), Args: src.Args}, nil
}

func (r *recomputer) VisitSingleLineText(f *field.Field) (*expression, error) { return r.none(f) }
func (r *recomputer) VisitLongText(f *field.Field) (*expression, error)       { return r.none(f) }
func (r *recomputer) VisitNumber(f *field.Field) (*expression, error)         { return r.none(f) }
func (r *recomputer) VisitCheckbox(f *field.Field) (*expression, error)       { return r.none(f) }
func (r *recomputer) VisitDate(f *field.Field) (*expression, error)           { return r.none(f) }
func (r *recomputer) VisitRating(f *field.Field) (*expression, error)         { return r.none(f) }
func (r *recomputer) VisitSingleSelect(f *field.Field) (*expression, error)   { return r.none(f) }
func (r *recomputer) VisitMultipleSelect(f *field.Field) (*expression, error) { return r.none(f) }
func (r *recomputer) VisitAttachment(f *field.Field) (*expression, error)     { return r.none(f) }
func (r *recomputer) VisitUser(f *field.Field) (*expression, error)           { return r.none(f) }
func (r *recomputer) VisitButton(f *field.Field) (*expression, error)         { return r.none(f) }

// VisitLink 关联字段的单元格缓存关联记录的 id 和标题
func (r *recomputer) VisitLink(f *field.Field) (*expression, error) {
	o, ok := f.LinkOptions()
	if !ok {
		return nil, rdb.NewValidationError("link field [%s] has no options", f.ID)
	}
	src, err := r.linked(f)
	if err != nil {
		return nil, err
	}

	d := r.m.gateway.Dialect()
	title := "NULL"
	if o.LookupFieldID != "" {
		if target, err := r.m.registry.Field(r.ctx, o.LookupFieldID); err == nil && !target.Deleted() {
			title = "f." + r.quote(target.DBFieldName)
		} else if err != nil && !errors.Is(err, schema.ErrFieldNotFound) {
			return nil, err
		}
	}
	id := "f." + r.quote(rdb.IDColumn)
	keys := []string{"id", "title"}

	if !f.IsMultipleCellValue {
		return &expression{
			SQL: fmt.Sprintf("(SELECT %s FROM %s ORDER BY %s LIMIT 1)", d.JSONObject(keys, []string{id, title}), src.From, src.Order),
		}, nil
	}
	return &expression{
		SQL: fmt.Sprintf("(SELECT CASE WHEN COUNT(*) = 0 THEN NULL ELSE %s END FROM (SELECT %s AS i, %s AS v, %s AS o FROM %s ORDER BY o) AS t)",
			d.JSONAgg(d.JSONObject(keys, []string{"t.i", "t.v"}), "t.o"), id, title, src.Order, src.From),
	}, nil
}

// VisitFormula 生成列由数据库计算，其余按编译出的表达式重算
func (r *recomputer) VisitFormula(f *field.Field) (*expression, error) {
	return r.generated(f)
}

func (r *recomputer) generated(f *field.Field) (*expression, error) {
	if f.DBGenerated {
		return nil, nil
	}
	expr, ok, err := r.m.compiler.Compile(r.ctx, f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &expression{SQL: "(" + expr + ")"}, nil
}

func (r *recomputer) VisitRollup(f *field.Field) (*expression, error) {
	src, target, err := r.lookupSource(f)
	if err != nil {
		return nil, err
	}
	return r.rollup(f, src, target)
}

func (r *recomputer) VisitConditionalRollup(f *field.Field) (*expression, error) {
	o, ok := f.ConditionalOptions()
	if !ok || o.ForeignTableID == "" || o.LookupFieldID == "" {
		return nil, rdb.NewValidationError("conditional rollup [%s] requires foreignTableId and lookupFieldId", f.ID)
	}
	target, err := r.target(f, o.LookupFieldID)
	if err != nil {
		return nil, err
	}
	src, err := r.filtered(o.ForeignTableID, o.Filter)
	if err != nil {
		return nil, err
	}
	return r.rollup(f, src, target)
}

func (r *recomputer) VisitCreatedTime(f *field.Field) (*expression, error)      { return r.generated(f) }
func (r *recomputer) VisitLastModifiedTime(f *field.Field) (*expression, error) { return r.generated(f) }
func (r *recomputer) VisitCreatedBy(f *field.Field) (*expression, error)        { return r.generated(f) }
func (r *recomputer) VisitLastModifiedBy(f *field.Field) (*expression, error)   { return r.generated(f) }
func (r *recomputer) VisitAutoNumber(f *field.Field) (*expression, error)       { return r.generated(f) }
func (r *recomputer) VisitLookup(f *field.Field) (*expression, error)           { return r.lookup(f) }
func (r *recomputer) VisitConditionalLookup(f *field.Field) (*expression, error) {
	return r.lookup(f)
}
