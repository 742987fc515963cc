package aggregation

import (
	"fmt"

	"github.com/hatlonely/fieldflow/rdb"
)

// BoolAggregation 布尔聚合，NULL 视为 false
// and 全部为真，or 任一为真，xor 为真的个数为奇数
type BoolAggregation struct {
	MetricAggregation
	Op AggregationType
}

func (a *BoolAggregation) Type() AggregationType {
	return a.Op
}

func (a *BoolAggregation) ToSQL(rdb.Dialect) (string, error) {
	field, err := a.field()
	if err != nil {
		return "", err
	}
	truthy := fmt.Sprintf("CASE WHEN %s THEN 1 ELSE 0 END", field)
	switch a.Op {
	case AggTypeAnd:
		return a.as(fmt.Sprintf("MIN(%s) = 1", truthy)), nil
	case AggTypeOr:
		return a.as(fmt.Sprintf("MAX(%s) = 1", truthy)), nil
	case AggTypeXor:
		return a.as(fmt.Sprintf("SUM(%s) %% 2 = 1", truthy)), nil
	}
	return "", rdb.NewValidationError("unsupported boolean aggregation %q", a.Op)
}
