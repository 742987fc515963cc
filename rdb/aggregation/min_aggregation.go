package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// MinAggregation 最小值聚合
type MinAggregation struct {
	MetricAggregation
}

func (a *MinAggregation) Type() AggregationType {
	return AggTypeMin
}

func (a *MinAggregation) ToSQL(rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	return a.as(fmt.Sprintf("MIN(%s)", field)), nil
}
