package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// ConcatAggregation 按 OrderBy 的顺序连接文本
type ConcatAggregation struct {
	MetricAggregation
	Separator string
	OrderBy   string
}

func (a *ConcatAggregation) Type() AggregationType {
	return AggTypeConcat
}

func (a *ConcatAggregation) ToSQL(d rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	return a.as(d.GroupConcat(field, a.Separator, a.OrderBy)), nil
}

// JSONListAggregation 按 OrderBy 的顺序聚合为 JSON 数组，没有行时为 NULL
type JSONListAggregation struct {
	MetricAggregation
	OrderBy string
}

func (a *JSONListAggregation) Type() AggregationType {
	return AggTypeJSONList
}

func (a *JSONListAggregation) ToSQL(d rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	return a.as(fmt.Sprintf("CASE WHEN COUNT(*) = 0 THEN NULL ELSE %s END", d.JSONAgg(field, a.OrderBy))), nil
}
