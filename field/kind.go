package field

import "fmt"

// Kind 实际分发使用的字段变体，由 (Type, IsLookup, IsConditionalLookup) 决定
type Kind int

const (
	KindSingleLineText Kind = iota
	KindLongText
	KindNumber
	KindCheckbox
	KindDate
	KindRating
	KindSingleSelect
	KindMultipleSelect
	KindAttachment
	KindUser
	KindLink
	KindFormula
	KindRollup
	KindConditionalRollup
	KindCreatedTime
	KindLastModifiedTime
	KindCreatedBy
	KindLastModifiedBy
	KindAutoNumber
	KindButton
	KindLookup
	KindConditionalLookup

	kindCount
)

// Trait 字段能力
type Trait uint8

const (
	// TraitComputed 值由引擎或数据库派生
	TraitComputed Trait = 1 << iota
	// TraitDirectlyWritable 接受直接写入
	TraitDirectlyWritable
	// TraitLinkable 拥有关联存储
	TraitLinkable
	// TraitGeneratedColumnBacked 可以由数据库生成列承载
	TraitGeneratedColumnBacked
	// TraitJSONBacked 以 JSON 文本保存
	TraitJSONBacked
	// TraitLinkDerived 值经由关联字段从外表取得
	TraitLinkDerived
	// TraitForeignDerived 值经由过滤条件从外表取得
	TraitForeignDerived
)

type kindInfo struct {
	name   string
	traits Trait
}

var kinds = [kindCount]kindInfo{
	KindSingleLineText:    {"singleLineText", TraitDirectlyWritable},
	KindLongText:          {"longText", TraitDirectlyWritable},
	KindNumber:            {"number", TraitDirectlyWritable},
	KindCheckbox:          {"checkbox", TraitDirectlyWritable},
	KindDate:              {"date", TraitDirectlyWritable},
	KindRating:            {"rating", TraitDirectlyWritable},
	KindSingleSelect:      {"singleSelect", TraitDirectlyWritable},
	KindMultipleSelect:    {"multipleSelect", TraitDirectlyWritable | TraitJSONBacked},
	KindAttachment:        {"attachment", TraitDirectlyWritable | TraitJSONBacked},
	KindUser:              {"user", TraitDirectlyWritable | TraitJSONBacked},
	KindLink:              {"link", TraitDirectlyWritable | TraitJSONBacked | TraitLinkable},
	KindFormula:           {"formula", TraitComputed | TraitGeneratedColumnBacked},
	KindRollup:            {"rollup", TraitComputed | TraitLinkDerived},
	KindConditionalRollup: {"conditionalRollup", TraitComputed | TraitForeignDerived},
	KindCreatedTime:       {"createdTime", TraitComputed | TraitGeneratedColumnBacked},
	KindLastModifiedTime:  {"lastModifiedTime", TraitComputed | TraitGeneratedColumnBacked},
	KindCreatedBy:         {"createdBy", TraitComputed | TraitGeneratedColumnBacked | TraitJSONBacked},
	KindLastModifiedBy:    {"lastModifiedBy", TraitComputed | TraitGeneratedColumnBacked | TraitJSONBacked},
	KindAutoNumber:        {"autoNumber", TraitComputed | TraitGeneratedColumnBacked},
	KindButton:            {"button", TraitComputed},
	KindLookup:            {"lookup", TraitComputed | TraitLinkDerived},
	KindConditionalLookup: {"conditionalLookup", TraitComputed | TraitForeignDerived},
}

var typeKinds = map[Type]Kind{
	TypeSingleLineText:    KindSingleLineText,
	TypeLongText:          KindLongText,
	TypeNumber:            KindNumber,
	TypeCheckbox:          KindCheckbox,
	TypeDate:              KindDate,
	TypeRating:            KindRating,
	TypeSingleSelect:      KindSingleSelect,
	TypeMultipleSelect:    KindMultipleSelect,
	TypeAttachment:        KindAttachment,
	TypeUser:              KindUser,
	TypeLink:              KindLink,
	TypeFormula:           KindFormula,
	TypeRollup:            KindRollup,
	TypeConditionalRollup: KindConditionalRollup,
	TypeCreatedTime:       KindCreatedTime,
	TypeLastModifiedTime:  KindLastModifiedTime,
	TypeCreatedBy:         KindCreatedBy,
	TypeLastModifiedBy:    KindLastModifiedBy,
	TypeAutoNumber:        KindAutoNumber,
	TypeButton:            KindButton,
}

// KindOf lookup 标记优先于类型，未知类型按单行文本处理
func KindOf(f *Field) Kind {
	switch {
	case f.IsConditionalLookup:
		return KindConditionalLookup
	case f.IsLookup:
		return KindLookup
	}
	return KindOfType(f.Type)
}

func KindOfType(t Type) Kind {
	if k, ok := typeKinds[t]; ok {
		return k
	}
	return KindSingleLineText
}

func (k Kind) Has(trait Trait) bool {
	if k < 0 || k >= kindCount {
		return false
	}
	return kinds[k].traits&trait == trait
}

func (k Kind) Traits() Trait {
	if k < 0 || k >= kindCount {
		return 0
	}
	return kinds[k].traits
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// Kinds 返回全部变体
func Kinds() []Kind {
	result := make([]Kind, kindCount)
	for i := range result {
		result[i] = Kind(i)
	}
	return result
}

// KindsWith 返回拥有全部指定能力的变体
func KindsWith(trait Trait) []Kind {
	var result []Kind
	for _, k := range Kinds() {
		if k.Has(trait) {
			result = append(result, k)
		}
	}
	return result
}
