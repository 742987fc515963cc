package query

import (
	"strings"
)

// QueryType 查询类型
type QueryType string

const (
	QueryTypeBool      QueryType = "bool"
	QueryTypeTerm      QueryType = "term"
	QueryTypeRange     QueryType = "range"
	QueryTypeExists    QueryType = "exists"
	QueryTypeLike      QueryType = "like"
	QueryTypeIn        QueryType = "in"
	QueryTypeJSONSet   QueryType = "jsonSet"
	QueryTypeNotOrNull QueryType = "notOrNull"
	QueryTypeRaw       QueryType = "raw"
)

// Query 查询节点，渲染为使用 ? 占位符的 SQL 片段
type Query interface {
	Type() QueryType
	ToSQL() (string, []any, error)
}

const (
	alwaysTrue  = "1=1"
	alwaysFalse = "1=0"
)

// RawQuery 原样输出的片段
type RawQuery struct {
	SQL  string
	Args []any
}

func Raw(sql string, args ...any) *RawQuery {
	return &RawQuery{SQL: sql, Args: args}
}

func (q *RawQuery) Type() QueryType {
	return QueryTypeRaw
}

func (q *RawQuery) ToSQL() (string, []any, error) {
	return q.SQL, q.Args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
