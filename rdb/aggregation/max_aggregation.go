package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// MaxAggregation 最大值聚合
type MaxAggregation struct {
	MetricAggregation
}

func (a *MaxAggregation) Type() AggregationType {
	return AggTypeMax
}

func (a *MaxAggregation) ToSQL(rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	return a.as(fmt.Sprintf("MAX(%s)", field)), nil
}
