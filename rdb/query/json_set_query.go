package query

import (
	"fmt"

	"github.com/pkg/errors"
)

type SetMode string

const (
	SetAny     SetMode = "any"
	SetAll     SetMode = "all"
	SetExactly SetMode = "exactly"
)

// JSONSetQuery JSON 数组元素的集合运算
// Source 为展开 JSON 数组的表源，Element 为元素的文本表达式
type JSONSetQuery struct {
	Source  string
	Element string
	Mode    SetMode
	Values  []any
}

func (q *JSONSetQuery) Type() QueryType {
	return QueryTypeJSONSet
}

func (q *JSONSetQuery) ToSQL() (string, []any, error) {
	values := distinct(q.Values)
	if len(values) == 0 {
		return "", nil, errors.New("json set query requires at least one value")
	}

	in := fmt.Sprintf("%s IN (%s)", q.Element, placeholders(len(values)))
	matched := fmt.Sprintf("(SELECT COUNT(DISTINCT %s) FROM %s WHERE %s)", q.Element, q.Source, in)

	switch q.Mode {
	case SetAny:
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)", q.Source, in), values, nil
	case SetAll:
		return fmt.Sprintf("%s = %d", matched, len(values)), values, nil
	case SetExactly:
		total := fmt.Sprintf("(SELECT COUNT(DISTINCT %s) FROM %s)", q.Element, q.Source)
		return fmt.Sprintf("(%s = %d AND %s = %d)", matched, len(values), total, len(values)), values, nil
	default:
		return "", nil, errors.Errorf("unsupported set mode %q", q.Mode)
	}
}

func distinct(values []any) []any {
	seen := make(map[any]struct{}, len(values))
	result := make([]any, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
