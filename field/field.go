package field

import (
	"time"
)

// Type 字段类型
type Type string

const (
	TypeSingleLineText    Type = "singleLineText"
	TypeLongText          Type = "longText"
	TypeNumber            Type = "number"
	TypeCheckbox          Type = "checkbox"
	TypeDate              Type = "date"
	TypeRating            Type = "rating"
	TypeSingleSelect      Type = "singleSelect"
	TypeMultipleSelect    Type = "multipleSelect"
	TypeAttachment        Type = "attachment"
	TypeUser              Type = "user"
	TypeLink              Type = "link"
	TypeFormula           Type = "formula"
	TypeRollup            Type = "rollup"
	TypeConditionalRollup Type = "conditionalRollup"
	TypeCreatedTime       Type = "createdTime"
	TypeLastModifiedTime  Type = "lastModifiedTime"
	TypeCreatedBy         Type = "createdBy"
	TypeLastModifiedBy    Type = "lastModifiedBy"
	TypeAutoNumber        Type = "autoNumber"
	TypeButton            Type = "button"
)

var Types = []Type{
	TypeSingleLineText, TypeLongText, TypeNumber, TypeCheckbox, TypeDate, TypeRating,
	TypeSingleSelect, TypeMultipleSelect, TypeAttachment, TypeUser, TypeLink,
	TypeFormula, TypeRollup, TypeConditionalRollup, TypeCreatedTime, TypeLastModifiedTime,
	TypeCreatedBy, TypeLastModifiedBy, TypeAutoNumber, TypeButton,
}

// CellValueType 单元格值类型
type CellValueType string

const (
	CellValueString   CellValueType = "string"
	CellValueNumber   CellValueType = "number"
	CellValueBoolean  CellValueType = "boolean"
	CellValueDateTime CellValueType = "dateTime"
)

// DBFieldType 物理列类型
type DBFieldType string

const (
	DBFieldTypeText     DBFieldType = "TEXT"
	DBFieldTypeInteger  DBFieldType = "INTEGER"
	DBFieldTypeReal     DBFieldType = "REAL"
	DBFieldTypeBoolean  DBFieldType = "BOOLEAN"
	DBFieldTypeDateTime DBFieldType = "DATETIME"
	DBFieldTypeJSON     DBFieldType = "JSON"
)

// Field 字段定义
type Field struct {
	ID      string
	TableID string
	Name    string
	Type    Type

	CellValueType       CellValueType
	IsLookup            bool
	IsConditionalLookup bool
	IsComputed          bool
	IsMultipleCellValue bool
	IsPrimary           bool

	// Options 与类型对应的选项，lookup 字段保存目标字段类型的选项
	Options       any
	LookupOptions *LookupOptions

	DBFieldName string
	DBFieldType DBFieldType
	// DBGenerated 物理列是否为数据库生成列
	DBGenerated bool

	HasError    bool
	Version     int
	DeletedTime *time.Time
}

func (f *Field) Kind() Kind {
	return KindOf(f)
}

func (f *Field) Is(trait Trait) bool {
	return f.Kind().Has(trait)
}

func (f *Field) Deleted() bool {
	return f.DeletedTime != nil
}

// IsLink 是否为真正的关联字段，lookup 出来的关联字段不算
func (f *Field) IsLink() bool {
	return f.Kind() == KindLink
}

func (f *Field) Clone() *Field {
	if f == nil {
		return nil
	}
	c := *f
	if f.LookupOptions != nil {
		lookup := *f.LookupOptions
		c.LookupOptions = &lookup
	}
	if f.DeletedTime != nil {
		t := *f.DeletedTime
		c.DeletedTime = &t
	}
	c.Options = cloneOptions(f.Options)
	return &c
}

// IDs 返回字段 id 列表
func IDs(fields []*Field) []string {
	ids := make([]string, len(fields))
	for i, f := range fields {
		ids[i] = f.ID
	}
	return ids
}

// Index 按 id 建立索引
func Index(fields []*Field) map[string]*Field {
	m := make(map[string]*Field, len(fields))
	for _, f := range fields {
		m[f.ID] = f
	}
	return m
}
