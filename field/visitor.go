package field

import "github.com/pkg/errors"

// Visitor 每个字段变体一个方法，新增变体后所有实现都需要补充
type Visitor[R any] interface {
	VisitSingleLineText(f *Field) (R, error)
	VisitLongText(f *Field) (R, error)
	VisitNumber(f *Field) (R, error)
	VisitCheckbox(f *Field) (R, error)
	VisitDate(f *Field) (R, error)
	VisitRating(f *Field) (R, error)
	VisitSingleSelect(f *Field) (R, error)
	VisitMultipleSelect(f *Field) (R, error)
	VisitAttachment(f *Field) (R, error)
	VisitUser(f *Field) (R, error)
	VisitLink(f *Field) (R, error)
	VisitFormula(f *Field) (R, error)
	VisitRollup(f *Field) (R, error)
	VisitConditionalRollup(f *Field) (R, error)
	VisitCreatedTime(f *Field) (R, error)
	VisitLastModifiedTime(f *Field) (R, error)
	VisitCreatedBy(f *Field) (R, error)
	VisitLastModifiedBy(f *Field) (R, error)
	VisitAutoNumber(f *Field) (R, error)
	VisitButton(f *Field) (R, error)
	VisitLookup(f *Field) (R, error)
	VisitConditionalLookup(f *Field) (R, error)
}

// Accept 按字段变体分发到 visitor
func Accept[R any](f *Field, v Visitor[R]) (R, error) {
	switch k := f.Kind(); k {
	case KindSingleLineText:
		return v.VisitSingleLineText(f)
	case KindLongText:
		return v.VisitLongText(f)
	case KindNumber:
		return v.VisitNumber(f)
	case KindCheckbox:
		return v.VisitCheckbox(f)
	case KindDate:
		return v.VisitDate(f)
	case KindRating:
		return v.VisitRating(f)
	case KindSingleSelect:
		return v.VisitSingleSelect(f)
	case KindMultipleSelect:
		return v.VisitMultipleSelect(f)
	case KindAttachment:
		return v.VisitAttachment(f)
	case KindUser:
		return v.VisitUser(f)
	case KindLink:
		return v.VisitLink(f)
	case KindFormula:
		return v.VisitFormula(f)
	case KindRollup:
		return v.VisitRollup(f)
	case KindConditionalRollup:
		return v.VisitConditionalRollup(f)
	case KindCreatedTime:
		return v.VisitCreatedTime(f)
	case KindLastModifiedTime:
		return v.VisitLastModifiedTime(f)
	case KindCreatedBy:
		return v.VisitCreatedBy(f)
	case KindLastModifiedBy:
		return v.VisitLastModifiedBy(f)
	case KindAutoNumber:
		return v.VisitAutoNumber(f)
	case KindButton:
		return v.VisitButton(f)
	case KindLookup:
		return v.VisitLookup(f)
	case KindConditionalLookup:
		return v.VisitConditionalLookup(f)
	default:
		var zero R
		return zero, errors.Errorf("unknown field kind %v", k)
	}
}
