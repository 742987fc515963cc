package schema

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
)

var (
	ErrFieldNotFound = errors.New("field not found")
	ErrTableNotFound = errors.New("table not found")
)

// Table 表元数据
type Table struct {
	ID          string
	Name        string
	DBTableName string
}

// Registry 字段定义与表元数据的来源
// 字段的增删改由外部流程负责，引擎只回写 options、类型元数据、hasError 与 version
type Registry interface {
	// Field 按 id 读取字段，软删除的字段同样返回
	Field(ctx context.Context, id string) (*field.Field, error)
	// Fields 批量读取，包含软删除字段，不存在的 id 被忽略
	Fields(ctx context.Context, ids []string) ([]*field.Field, error)
	// TableFields 返回表内未删除的字段
	TableFields(ctx context.Context, tableID string) ([]*field.Field, error)
	Table(ctx context.Context, tableID string) (*Table, error)
	SaveFields(ctx context.Context, fields ...*field.Field) error
}

// DBTableName 解析表的物理表名
func DBTableName(ctx context.Context, registry Registry, tableID string) (string, error) {
	table, err := registry.Table(ctx, tableID)
	if err != nil {
		return "", err
	}
	return table.DBTableName, nil
}
