package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// CountAggregation 计数聚合，Field 为空时统计行数
type CountAggregation struct {
	MetricAggregation
	// Distinct 只统计不同的非空取值
	Distinct bool
}

func (a *CountAggregation) Type() AggregationType {
	return AggTypeCount
}

func (a *CountAggregation) ToSQL(rdb.Dialect) (string, error) {
	if a.Field == "" {
		if a.Distinct {
			return "", rdb.NewValidationError("distinct count requires a field")
		}
		return a.as("COUNT(*)"), nil
	}
	if a.Distinct {
		return a.as(fmt.Sprintf("COUNT(DISTINCT %s)", a.Field)), nil
	}
	return a.as(fmt.Sprintf("COUNT(%s)", a.Field)), nil
}
