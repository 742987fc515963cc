package query

import (
	"strings"
)

// BoolQuery 布尔组合
// Must 和 MustNot 之间为 AND，Should 之间为 OR
type BoolQuery struct {
	Must    []Query
	Should  []Query
	MustNot []Query
}

func And(queries ...Query) *BoolQuery {
	return &BoolQuery{Must: queries}
}

func Or(queries ...Query) *BoolQuery {
	return &BoolQuery{Should: queries}
}

func Not(query Query) *BoolQuery {
	return &BoolQuery{MustNot: []Query{query}}
}

func (q *BoolQuery) Type() QueryType {
	return QueryTypeBool
}

func (q *BoolQuery) ToSQL() (string, []any, error) {
	var conditions []string
	var args []any

	render := func(queries []Query, wrap func(string) string) ([]string, error) {
		parts := make([]string, 0, len(queries))
		for _, query := range queries {
			sql, queryArgs, err := query.ToSQL()
			if err != nil {
				return nil, err
			}
			parts = append(parts, wrap(sql))
			args = append(args, queryArgs...)
		}
		return parts, nil
	}
	identity := func(sql string) string { return sql }

	must, err := render(q.Must, identity)
	if err != nil {
		return "", nil, err
	}
	if len(must) > 0 {
		conditions = append(conditions, "("+strings.Join(must, " AND ")+")")
	}

	should, err := render(q.Should, identity)
	if err != nil {
		return "", nil, err
	}
	if len(should) > 0 {
		conditions = append(conditions, "("+strings.Join(should, " OR ")+")")
	}

	mustNot, err := render(q.MustNot, func(sql string) string { return "NOT (" + sql + ")" })
	if err != nil {
		return "", nil, err
	}
	if len(mustNot) > 0 {
		conditions = append(conditions, "("+strings.Join(mustNot, " AND ")+")")
	}

	if len(conditions) == 0 {
		return alwaysTrue, nil, nil
	}
	return strings.Join(conditions, " AND "), args, nil
}
