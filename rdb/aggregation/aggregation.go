package aggregation

import (
	"github.com/hatlonely/fieldflow/rdb"
)

// AggregationType 聚合类型
type AggregationType string

const (
	AggTypeSum      AggregationType = "sum"
	AggTypeAvg      AggregationType = "avg"
	AggTypeMax      AggregationType = "max"
	AggTypeMin      AggregationType = "min"
	AggTypeCount    AggregationType = "count"
	AggTypeAnd      AggregationType = "and"
	AggTypeOr       AggregationType = "or"
	AggTypeXor      AggregationType = "xor"
	AggTypeConcat   AggregationType = "concat"
	AggTypeJSONList AggregationType = "json_list"
)

// Aggregation 聚合接口，Field 为聚合的值表达式
type Aggregation interface {
	Type() AggregationType
	Name() string

	ToSQL(d rdb.Dialect) (string, error)
}
