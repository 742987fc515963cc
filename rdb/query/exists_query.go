package query

import "fmt"

// ExistsQuery 字段非空
type ExistsQuery struct {
	Field string
}

func Exists(field string) *ExistsQuery {
	return &ExistsQuery{Field: field}
}

func (q *ExistsQuery) Type() QueryType {
	return QueryTypeExists
}

func (q *ExistsQuery) ToSQL() (string, []any, error) {
	return fmt.Sprintf("%s IS NOT NULL", q.Field), nil, nil
}

// NotOrNullQuery 否定条件，字段为 NULL 时同样成立
type NotOrNullQuery struct {
	Field string
	Query Query
}

func NotOrNull(field string, query Query) *NotOrNullQuery {
	return &NotOrNullQuery{Field: field, Query: query}
}

func (q *NotOrNullQuery) Type() QueryType {
	return QueryTypeNotOrNull
}

func (q *NotOrNullQuery) ToSQL() (string, []any, error) {
	sql, args, err := q.Query.ToSQL()
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("(%s IS NULL OR NOT (%s))", q.Field, sql), args, nil
}
