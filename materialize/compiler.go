package materialize

import (
	"context"
	"regexp"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/schema"
)

// TypeInfo 计算字段推导出的类型元数据
type TypeInfo struct {
	CellValueType       field.CellValueType
	DBFieldType         field.DBFieldType
	IsMultipleCellValue bool
}

// ExpressionCompiler 把公式编译为当前表行上的 SQL 表达式
type ExpressionCompiler interface {
	// Compile ok 为 false 表示表达式不能在数据库中计算
	Compile(ctx context.Context, f *field.Field) (expr string, ok bool, err error)
	InferType(ctx context.Context, f *field.Field, refs []*field.Field) (TypeInfo, error)
}

// 记录表的系统列
const (
	CreatedTimeColumn      = "__created_time"
	LastModifiedTimeColumn = "__last_modified_time"
	CreatedByColumn        = "__created_by"
	LastModifiedByColumn   = "__last_modified_by"
	AutoNumberColumn       = "__auto_number"
)

// SystemCompiler 编译基于系统列的字段，其余字段交给 Next
type SystemCompiler struct {
	Dialect rdb.Dialect
	Next    ExpressionCompiler
}

func (c *SystemCompiler) Compile(ctx context.Context, f *field.Field) (string, bool, error) {
	if column, ok := systemColumn(f.Kind()); ok {
		return c.Dialect.Quote(column), true, nil
	}
	if c.Next == nil {
		return "", false, nil
	}
	return c.Next.Compile(ctx, f)
}

func (c *SystemCompiler) InferType(ctx context.Context, f *field.Field, refs []*field.Field) (TypeInfo, error) {
	switch f.Kind() {
	case field.KindCreatedTime, field.KindLastModifiedTime:
		return TypeInfo{CellValueType: field.CellValueDateTime, DBFieldType: field.DBFieldTypeDateTime}, nil
	case field.KindCreatedBy, field.KindLastModifiedBy:
		return TypeInfo{CellValueType: field.CellValueString, DBFieldType: field.DBFieldTypeJSON}, nil
	case field.KindAutoNumber:
		return TypeInfo{CellValueType: field.CellValueNumber, DBFieldType: field.DBFieldTypeInteger}, nil
	}
	if c.Next == nil {
		return TypeInfo{CellValueType: f.CellValueType, DBFieldType: f.DBFieldType, IsMultipleCellValue: f.IsMultipleCellValue}, nil
	}
	return c.Next.InferType(ctx, f, refs)
}

func systemColumn(k field.Kind) (string, bool) {
	switch k {
	case field.KindCreatedTime:
		return CreatedTimeColumn, true
	case field.KindLastModifiedTime:
		return LastModifiedTimeColumn, true
	case field.KindCreatedBy:
		return CreatedByColumn, true
	case field.KindLastModifiedBy:
		return LastModifiedByColumn, true
	case field.KindAutoNumber:
		return AutoNumberColumn, true
	}
	return "", false
}

var fieldRefRe = regexp.MustCompile(`\{(\w+)\}`)

// TemplateCompiler 公式表达式本身是 SQL，{fieldId} 替换为字段的列
// 引用的字段不存在、已删除或处于错误状态时编译失败
type TemplateCompiler struct {
	Dialect  rdb.Dialect
	Registry schema.Registry
}

func (c *TemplateCompiler) Compile(ctx context.Context, f *field.Field) (string, bool, error) {
	o, ok := f.FormulaOptions()
	if !ok || o.Expression == "" {
		return "", false, nil
	}
	refs, err := c.Registry.Fields(ctx, References(o.Expression))
	if err != nil {
		return "", false, err
	}
	index := field.Index(refs)

	var compileErr error
	expr := fieldRefRe.ReplaceAllStringFunc(o.Expression, func(m string) string {
		id := m[1 : len(m)-1]
		ref, ok := index[id]
		switch {
		case !ok || ref.Deleted():
			compileErr = rdb.NewValidationError("formula [%s] references missing field [%s]", f.ID, id)
		case ref.HasError:
			compileErr = rdb.NewValidationError("formula [%s] references field [%s] in error", f.ID, id)
		case ref.TableID != f.TableID:
			compileErr = rdb.NewValidationError("formula [%s] references field [%s] of another table", f.ID, id)
		}
		if compileErr != nil {
			return m
		}
		return c.Dialect.Quote(ref.DBFieldName)
	})
	if compileErr != nil {
		return "", false, compileErr
	}
	return expr, true, nil
}

// InferType 结果类型取第一个引用字段的类型，没有引用时为数字
func (c *TemplateCompiler) InferType(ctx context.Context, f *field.Field, refs []*field.Field) (TypeInfo, error) {
	for _, ref := range refs {
		if ref.Deleted() {
			continue
		}
		return TypeInfo{CellValueType: ref.CellValueType, DBFieldType: ref.DBFieldType}, nil
	}
	return TypeInfo{CellValueType: field.CellValueNumber, DBFieldType: field.DBFieldTypeReal}, nil
}

// References 表达式中引用的字段 id，按出现顺序去重
func References(expr string) []string {
	var ids []string
	seen := map[string]struct{}{}
	for _, m := range fieldRefRe.FindAllStringSubmatch(expr, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		ids = append(ids, m[1])
	}
	return ids
}
