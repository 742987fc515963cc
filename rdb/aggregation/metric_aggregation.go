package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// MetricAggregation 指标聚合基础结构，AggName 为空时不输出别名
type MetricAggregation struct {
	AggName string
	Field   string
}

func (m *MetricAggregation) Name() string {
	return m.AggName
}

func (m *MetricAggregation) as(expr string) string {
	if m.AggName == "" {
		return expr
	}
	return fmt.Sprintf("%s AS %s", expr, m.AggName)
}

func (m *MetricAggregation) field() (string, error) {
	if m.Field == "" {
		return "", rdb.NewValidationError("aggregation field is required")
	}
	return m.Field, nil
}
