package rdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/refx"
)

const Namespace = "github.com/hatlonely/fieldflow/rdb"

func init() {
	refx.MustRegister(Namespace, "SQLGateway", NewSQLGatewayWithOptions)
	refx.MustRegister(Namespace, "GormGateway", NewGormGatewayWithOptions)
	refx.MustRegister(Namespace, "ObservableGateway", NewObservableGatewayWithOptions)
}

// Statement 参数化语句，占位符统一使用 ?，由网关按驱动改写
type Statement struct {
	SQL  string
	Args []any
}

func NewStatement(sql string, args ...any) Statement {
	return Statement{SQL: sql, Args: args}
}

func (s Statement) String() string {
	return fmt.Sprintf("%s %v", s.SQL, s.Args)
}

// Row 查询结果行，[]byte 已转换为 string
type Row map[string]any

func (r Row) Text(column string) string {
	switch v := r[column].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Gateway 存储网关
// 事务通过 context 传递，WithTx 内部再次调用 WithTx 会加入已有事务
type Gateway interface {
	Dialect() Dialect
	Exec(ctx context.Context, stmts ...Statement) error
	Query(ctx context.Context, stmt Statement) ([]Row, error)
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// WithSavepoint 在事务内开启保存点，fn 失败时只回滚到保存点
	WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error
	Close() error
}

func NewGatewayWithOptions(options *refx.TypeOptions) (Gateway, error) {
	if options == nil {
		return nil, errors.New("gateway options is nil")
	}
	if options.Namespace == "" {
		options = &refx.TypeOptions{Namespace: Namespace, Type: options.Type, Options: options.Options}
	}
	gateway, err := refx.NewT[Gateway](options)
	if err != nil {
		return nil, errors.WithMessage(err, "refx.NewT failed")
	}
	return gateway, nil
}

// Placeholders 生成 n 个逗号分隔的占位符
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Args 把字符串切片转换为参数列表
func Args[T any](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// savepointName 只保留字母数字和下划线
func savepointName(name string) string {
	var b strings.Builder
	b.WriteString("sp_")
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
