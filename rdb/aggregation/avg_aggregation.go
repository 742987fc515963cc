package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// AvgAggregation 平均值聚合
type AvgAggregation struct {
	MetricAggregation
}

func (a *AvgAggregation) Type() AggregationType {
	return AggTypeAvg
}

func (a *AvgAggregation) ToSQL(rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	return a.as(fmt.Sprintf("AVG(%s)", field)), nil
}
