package query

import (
	"fmt"
	"strings"
)

const likeEscape = "!"

var likeEscaper = strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")

// LikeQuery 包含匹配，Value 中的 % _ 和转义符 ! 会被转义
// 转义符不用反斜杠，MySQL 字符串字面量会吞掉单个反斜杠
type LikeQuery struct {
	Field    string
	Value    string
	Operator string
}

func Like(field, value, operator string) *LikeQuery {
	return &LikeQuery{Field: field, Value: value, Operator: operator}
}

func (q *LikeQuery) Type() QueryType {
	return QueryTypeLike
}

func (q *LikeQuery) ToSQL() (string, []any, error) {
	operator := q.Operator
	if operator == "" {
		operator = "LIKE"
	}
	pattern := "%" + likeEscaper.Replace(q.Value) + "%"
	return fmt.Sprintf("%s %s ? ESCAPE '%s'", q.Field, operator, likeEscape), []any{pattern}, nil
}

// InQuery 集合匹配，空集合恒为假
type InQuery struct {
	Field  string
	Values []any
}

func In(field string, values ...any) *InQuery {
	return &InQuery{Field: field, Values: values}
}

func (q *InQuery) Type() QueryType {
	return QueryTypeIn
}

func (q *InQuery) ToSQL() (string, []any, error) {
	if len(q.Values) == 0 {
		return alwaysFalse, nil, nil
	}
	return fmt.Sprintf("%s IN (%s)", q.Field, placeholders(len(q.Values))), q.Values, nil
}
