package field

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Relationship 关联关系
type Relationship string

const (
	ManyOne  Relationship = "manyOne"
	OneMany  Relationship = "oneMany"
	OneOne   Relationship = "oneOne"
	ManyMany Relationship = "manyMany"
)

// Reverse 返回对称字段一侧看到的关系
func (r Relationship) Reverse() Relationship {
	switch r {
	case ManyOne:
		return OneMany
	case OneMany:
		return ManyOne
	}
	return r
}

func (r Relationship) Valid() bool {
	switch r {
	case ManyOne, OneMany, OneOne, ManyMany:
		return true
	}
	return false
}

// IsMultiple 当前记录是否可以关联多条外表记录
func (r Relationship) IsMultiple() bool {
	return r == OneMany || r == ManyMany
}

type LinkOptions struct {
	Relationship     Relationship `json:"relationship"`
	ForeignTableID   string       `json:"foreignTableId"`
	LookupFieldID    string       `json:"lookupFieldId"`
	IsOneWay         bool         `json:"isOneWay,omitempty"`
	FkHostTableName  string       `json:"fkHostTableName"`
	SelfKeyName      string       `json:"selfKeyName"`
	ForeignKeyName   string       `json:"foreignKeyName"`
	SymmetricFieldID string       `json:"symmetricFieldId,omitempty"`
	// HasOrderColumn 关联存储是否带有顺序列
	HasOrderColumn bool `json:"hasOrderColumn,omitempty"`
}

// LookupOptions lookup 与 rollup 的取值来源
type LookupOptions struct {
	LinkFieldID    string `json:"linkFieldId,omitempty"`
	ForeignTableID string `json:"foreignTableId"`
	LookupFieldID  string `json:"lookupFieldId"`
	// Filter 条件 lookup 使用的过滤条件
	Filter json.RawMessage `json:"filter,omitempty"`
}

type Choice struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type SelectOptions struct {
	Choices []Choice `json:"choices"`
}

// ChoiceName 将选项 id 或名称归一化为名称
func (o *SelectOptions) ChoiceName(v string) (string, bool) {
	for _, c := range o.Choices {
		if c.ID == v || c.Name == v {
			return c.Name, true
		}
	}
	return "", false
}

type FormulaOptions struct {
	Expression string `json:"expression"`
	TimeZone   string `json:"timeZone,omitempty"`
}

type RollupOptions struct {
	Expression string `json:"expression"`
	TimeZone   string `json:"timeZone,omitempty"`
}

// RollupFunction 返回汇总表达式的函数名，例如 sum({values}) 返回 sum
func RollupFunction(expression string) string {
	name, _, ok := strings.Cut(strings.TrimSpace(expression), "(")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// ConditionalOptions 条件 rollup 的外表来源
type ConditionalOptions struct {
	RollupOptions
	ForeignTableID string          `json:"foreignTableId"`
	LookupFieldID  string          `json:"lookupFieldId"`
	Filter         json.RawMessage `json:"filter,omitempty"`
}

type DateOptions struct {
	TimeZone string `json:"timeZone,omitempty"`
	Format   string `json:"format,omitempty"`
}

type NumberOptions struct {
	Precision int `json:"precision"`
}

type RatingOptions struct {
	Max  int    `json:"max"`
	Icon string `json:"icon,omitempty"`
}

type UserOptions struct {
	IsMultiple bool `json:"isMultiple,omitempty"`
}

type ButtonOptions struct {
	Label string `json:"label"`
}

// newOptions 返回字段类型对应的选项结构，无选项的类型返回 nil
func newOptions(t Type) any {
	switch t {
	case TypeNumber:
		return &NumberOptions{}
	case TypeRating:
		return &RatingOptions{}
	case TypeDate, TypeCreatedTime, TypeLastModifiedTime:
		return &DateOptions{}
	case TypeSingleSelect, TypeMultipleSelect:
		return &SelectOptions{}
	case TypeUser:
		return &UserOptions{}
	case TypeLink:
		return &LinkOptions{}
	case TypeFormula:
		return &FormulaOptions{}
	case TypeRollup:
		return &RollupOptions{}
	case TypeConditionalRollup:
		return &ConditionalOptions{}
	case TypeButton:
		return &ButtonOptions{}
	}
	return nil
}

// MarshalOptions 序列化字段选项
func MarshalOptions(options any) ([]byte, error) {
	if options == nil {
		return nil, nil
	}
	buf, err := json.Marshal(options)
	if err != nil {
		return nil, errors.Wrap(err, "marshal options failed")
	}
	return buf, nil
}

// UnmarshalOptions 按字段类型反序列化选项，lookup 字段的选项与目标字段类型一致
func UnmarshalOptions(t Type, data []byte) (any, error) {
	options := newOptions(t)
	if options == nil || len(data) == 0 || string(data) == "null" {
		return options, nil
	}
	if err := json.Unmarshal(data, options); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s options failed", t)
	}
	return options, nil
}

func MarshalLookupOptions(options *LookupOptions) ([]byte, error) {
	if options == nil {
		return nil, nil
	}
	return MarshalOptions(options)
}

func UnmarshalLookupOptions(data []byte) (*LookupOptions, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var options LookupOptions
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, errors.Wrap(err, "unmarshal lookup options failed")
	}
	return &options, nil
}

func (f *Field) LinkOptions() (*LinkOptions, bool) {
	o, ok := f.Options.(*LinkOptions)
	return o, ok && o != nil
}

func (f *Field) SelectOptions() (*SelectOptions, bool) {
	o, ok := f.Options.(*SelectOptions)
	return o, ok && o != nil
}

func (f *Field) FormulaOptions() (*FormulaOptions, bool) {
	o, ok := f.Options.(*FormulaOptions)
	return o, ok && o != nil
}

func (f *Field) RollupOptions() (*RollupOptions, bool) {
	switch o := f.Options.(type) {
	case *RollupOptions:
		return o, o != nil
	case *ConditionalOptions:
		if o == nil {
			return nil, false
		}
		return &o.RollupOptions, true
	}
	return nil, false
}

func (f *Field) ConditionalOptions() (*ConditionalOptions, bool) {
	o, ok := f.Options.(*ConditionalOptions)
	return o, ok && o != nil
}

func (f *Field) DateOptions() (*DateOptions, bool) {
	o, ok := f.Options.(*DateOptions)
	return o, ok && o != nil
}

// cloneOptions 复制指针类型的选项
func cloneOptions(options any) any {
	if options == nil {
		return nil
	}
	rv := reflect.ValueOf(options)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return options
	}
	c := reflect.New(rv.Elem().Type())
	c.Elem().Set(rv.Elem())
	switch o := c.Interface().(type) {
	case *SelectOptions:
		o.Choices = append([]Choice(nil), o.Choices...)
	case *LookupOptions:
		o.Filter = append(json.RawMessage(nil), o.Filter...)
	case *ConditionalOptions:
		o.Filter = append(json.RawMessage(nil), o.Filter...)
	}
	return c.Interface()
}
