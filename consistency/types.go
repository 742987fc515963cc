package consistency

import (
	"context"

	"github.com/hatlonely/fieldflow/condition"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/materialize"
	"github.com/hatlonely/fieldflow/rdb"
)

// References 字段定义中引用的字段 id，按出现顺序去重
func References(f *field.Field) ([]string, error) {
	var ids []string
	switch f.Kind() {
	case field.KindFormula:
		if o, ok := f.FormulaOptions(); ok {
			ids = materialize.References(o.Expression)
		}
	case field.KindLookup, field.KindRollup:
		if f.LookupOptions != nil {
			ids = []string{f.LookupOptions.LinkFieldID, f.LookupOptions.LookupFieldID}
		}
	case field.KindConditionalLookup:
		if f.LookupOptions != nil {
			filterIDs, err := filterFieldIDs(f.LookupOptions.Filter)
			if err != nil {
				return nil, err
			}
			ids = append([]string{f.LookupOptions.LookupFieldID}, filterIDs...)
		}
	case field.KindConditionalRollup:
		if o, ok := f.ConditionalOptions(); ok {
			filterIDs, err := filterFieldIDs(o.Filter)
			if err != nil {
				return nil, err
			}
			ids = append([]string{o.LookupFieldID}, filterIDs...)
		}
	case field.KindLink:
		if o, ok := f.LinkOptions(); ok {
			ids = []string{o.LookupFieldID}
		}
	}

	result := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" || id == f.ID {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result, nil
}

func filterFieldIDs(raw []byte) ([]string, error) {
	filter, err := condition.ParseFilter(raw)
	if err != nil {
		return nil, err
	}
	return filter.FieldIDs(), nil
}

// DeriveType 根据引用字段重新推导计算字段的类型元数据，refs 按 id 索引
func DeriveType(ctx context.Context, compiler materialize.ExpressionCompiler, f *field.Field, refs map[string]*field.Field) error {
	switch f.Kind() {
	case field.KindLookup, field.KindConditionalLookup:
		if f.LookupOptions == nil {
			return rdb.NewValidationError("field [%s] requires lookup options", f.ID)
		}
		target, ok := refs[f.LookupOptions.LookupFieldID]
		if !ok {
			return rdb.NewValidationError("lookup target [%s] of [%s] not found", f.LookupOptions.LookupFieldID, f.ID)
		}
		multiple := target.IsMultipleCellValue || f.IsConditionalLookup
		if l, ok := refs[f.LookupOptions.LinkFieldID]; ok && l.IsMultipleCellValue {
			multiple = true
		}
		f.Type = target.Type
		f.Options = target.Clone().Options
		apply(f, materialize.TypeInfo{CellValueType: target.CellValueType, DBFieldType: target.DBFieldType, IsMultipleCellValue: multiple})
	case field.KindRollup, field.KindConditionalRollup:
		o, ok := f.RollupOptions()
		if !ok {
			return rdb.NewValidationError("rollup field [%s] has no options", f.ID)
		}
		targetID := ""
		if c, ok := f.ConditionalOptions(); ok {
			targetID = c.LookupFieldID
		} else if f.LookupOptions != nil {
			targetID = f.LookupOptions.LookupFieldID
		}
		target, ok := refs[targetID]
		if !ok {
			return rdb.NewValidationError("rollup target [%s] of [%s] not found", targetID, f.ID)
		}
		info, err := rollupType(f, field.RollupFunction(o.Expression), target)
		if err != nil {
			return err
		}
		apply(f, info)
	case field.KindFormula:
		o, ok := f.FormulaOptions()
		if !ok {
			return rdb.NewValidationError("formula field [%s] has no options", f.ID)
		}
		var list []*field.Field
		for _, id := range materialize.References(o.Expression) {
			if ref, ok := refs[id]; ok {
				list = append(list, ref)
			}
		}
		info, err := compiler.InferType(ctx, f, list)
		if err != nil {
			return err
		}
		apply(f, info)
	}
	return nil
}

func apply(f *field.Field, info materialize.TypeInfo) {
	f.CellValueType = info.CellValueType
	f.IsMultipleCellValue = info.IsMultipleCellValue
	f.DBFieldType = info.DBFieldType
	if info.IsMultipleCellValue {
		f.DBFieldType = field.DBFieldTypeJSON
	}
}

func rollupType(f *field.Field, fn string, target *field.Field) (materialize.TypeInfo, error) {
	switch fn {
	case "count", "counta", "countall", "countunique", "count_unique":
		return materialize.TypeInfo{CellValueType: field.CellValueNumber, DBFieldType: field.DBFieldTypeInteger}, nil
	case "sum", "average", "avg":
		return materialize.TypeInfo{CellValueType: field.CellValueNumber, DBFieldType: field.DBFieldTypeReal}, nil
	case "max", "min":
		if target.CellValueType == field.CellValueDateTime {
			return materialize.TypeInfo{CellValueType: field.CellValueDateTime, DBFieldType: field.DBFieldTypeDateTime}, nil
		}
		return materialize.TypeInfo{CellValueType: field.CellValueNumber, DBFieldType: field.DBFieldTypeReal}, nil
	case "and", "or", "xor":
		return materialize.TypeInfo{CellValueType: field.CellValueBoolean, DBFieldType: field.DBFieldTypeBoolean}, nil
	case "array_join", "concatenate":
		return materialize.TypeInfo{CellValueType: field.CellValueString, DBFieldType: field.DBFieldTypeText}, nil
	case "array_compact", "array_unique":
		return materialize.TypeInfo{CellValueType: target.CellValueType, DBFieldType: field.DBFieldTypeJSON, IsMultipleCellValue: true}, nil
	}
	return materialize.TypeInfo{}, rdb.NewValidationError("rollup field [%s] has unsupported function %q", f.ID, fn)
}
