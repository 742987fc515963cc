package materialize

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/schema"
)

// Materializer 计算字段的取值写入与重算
type Materializer struct {
	gateway  rdb.Gateway
	registry schema.Registry
	links    *link.Manager
	compiler ExpressionCompiler
	lock     atomic.Pointer[rdb.LockPolicy]
	logger   logger.Logger
}

func NewMaterializer(gateway rdb.Gateway, registry schema.Registry, links *link.Manager, compiler ExpressionCompiler, lock *rdb.LockPolicy) *Materializer {
	if compiler == nil {
		compiler = &SystemCompiler{Dialect: gateway.Dialect()}
	}
	if lock == nil {
		lock = rdb.NewLockPolicyWithOptions(nil)
	}
	m := &Materializer{
		gateway:  gateway,
		registry: registry,
		links:    links,
		compiler: compiler,
		logger:   logger.Nop{},
	}
	m.lock.Store(lock)
	return m
}

func (m *Materializer) SetLogger(l logger.Logger) {
	m.logger = l
}

// SetLockPolicy 替换加锁策略，配置热更新时调用
func (m *Materializer) SetLockPolicy(lock *rdb.LockPolicy) {
	m.lock.Store(lock)
}

func (m *Materializer) LockPolicy() *rdb.LockPolicy {
	return m.lock.Load()
}

func (m *Materializer) Compiler() ExpressionCompiler {
	return m.compiler
}

// PlanSchemaChange 字段定义变化后调整物理列，previous 为 nil 表示新建字段
// 生成列支撑的字段删除后按新表达式重建，编译失败时退化为普通列由引擎重算
// 引擎重算的字段类型变化时先清空取值再修改列类型
func (m *Materializer) PlanSchemaChange(ctx context.Context, f *field.Field, previous *field.Field) ([]rdb.Statement, error) {
	if f.DBFieldName == "" {
		return nil, rdb.NewInvariantError("field [%s] has no db field name", f.ID)
	}
	if f.IsLink() {
		// 关联字段的存储由 link 维护，这里只负责标题缓存列
		if previous == nil {
			return m.addColumn(ctx, f, field.DBFieldTypeJSON)
		}
		return nil, nil
	}

	table, err := schema.DBTableName(ctx, m.registry, f.TableID)
	if err != nil {
		return nil, err
	}
	d := m.gateway.Dialect()
	column := d.Quote(f.DBFieldName)
	reset := rdb.NewStatement(fmt.Sprintf("UPDATE %s SET %s = NULL", d.Quote(table), column))

	if f.Is(field.TraitGeneratedColumnBacked) {
		expr, ok, err := m.compiler.Compile(ctx, f)
		if err != nil {
			return nil, errors.WithMessagef(err, "compile field [%s]", f.ID)
		}
		var stmts []rdb.Statement
		if previous != nil {
			if !previous.DBGenerated {
				stmts = append(stmts, reset)
			}
			stmts = append(stmts, rdb.NewStatement(d.DropColumn(table, f.DBFieldName)))
		}
		if ok {
			stmts = append(stmts, rdb.NewStatement(d.AddGeneratedColumn(table, f.DBFieldName, string(f.DBFieldType), expr)))
		} else {
			stmts = append(stmts, rdb.NewStatement(d.AddColumn(table, f.DBFieldName, string(f.DBFieldType))))
		}
		f.DBGenerated = ok
		return stmts, nil
	}

	if previous == nil {
		return m.addColumn(ctx, f, f.DBFieldType)
	}
	if f.Is(field.TraitComputed) && previous.DBFieldType != f.DBFieldType {
		stmts := []rdb.Statement{reset}
		for _, sql := range d.AlterColumnType(table, f.DBFieldName, string(f.DBFieldType)) {
			stmts = append(stmts, rdb.NewStatement(sql))
		}
		return stmts, nil
	}
	return nil, nil
}

func (m *Materializer) addColumn(ctx context.Context, f *field.Field, dbFieldType field.DBFieldType) ([]rdb.Statement, error) {
	table, err := schema.DBTableName(ctx, m.registry, f.TableID)
	if err != nil {
		return nil, err
	}
	return []rdb.Statement{rdb.NewStatement(m.gateway.Dialect().AddColumn(table, f.DBFieldName, string(dbFieldType)))}, nil
}

// PlanDegrade 把生成列改为普通列，字段进入错误状态时调用
// 生成列被其他生成列引用时不能删除，调用方按由深到浅的顺序处理
func (m *Materializer) PlanDegrade(ctx context.Context, f *field.Field) ([]rdb.Statement, error) {
	if !f.DBGenerated {
		return nil, nil
	}
	table, err := schema.DBTableName(ctx, m.registry, f.TableID)
	if err != nil {
		return nil, err
	}
	d := m.gateway.Dialect()
	f.DBGenerated = false
	return []rdb.Statement{
		rdb.NewStatement(d.DropColumn(table, f.DBFieldName)),
		rdb.NewStatement(d.AddColumn(table, f.DBFieldName, string(f.DBFieldType))),
	}, nil
}
