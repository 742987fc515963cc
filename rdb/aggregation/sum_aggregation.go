package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// SumAggregation 求和聚合，没有取值时为 0
type SumAggregation struct {
	MetricAggregation
}

func (a *SumAggregation) Type() AggregationType {
	return AggTypeSum
}

func (a *SumAggregation) ToSQL(rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	return a.as(fmt.Sprintf("COALESCE(SUM(%s), 0)", field)), nil
}
