package rdb

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormGatewayOptions struct {
	// 数据库驱动：sqlite, mysql
	Driver string `cfg:"driver" def:"sqlite" validate:"oneof=sqlite mysql"`
	DSN    string `cfg:"dsn" validate:"required"`
	// gorm 日志级别：silent, error, warn, info
	LogLevel string `cfg:"logLevel" def:"silent"`
	MaxConns int    `cfg:"maxConns"`
}

type gormTxKey struct{}

type gormTx struct {
	owner *GormGateway
	tx    *gorm.DB
}

// GormGateway 基于 gorm 的网关，DB(ctx) 返回绑定当前事务的 *gorm.DB
type GormGateway struct {
	db      *gorm.DB
	dialect Dialect
}

func NewGormGatewayWithOptions(options *GormGatewayOptions) (*GormGateway, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	config := &gorm.Config{Logger: logger.Default.LogMode(parseGormLogLevel(options.LogLevel))}

	var db *gorm.DB
	var err error
	switch options.Driver {
	case "sqlite", "":
		db, err = gorm.Open(sqlite.Open(options.DSN), config)
	case "mysql":
		db, err = gorm.Open(mysql.Open(options.DSN), config)
	default:
		return nil, errors.Errorf("unsupported database driver: %s", options.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "gorm.Open failed")
	}

	if options.MaxConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "db.DB failed")
		}
		sqlDB.SetMaxOpenConns(options.MaxConns)
	}

	return NewGormGateway(db)
}

func NewGormGateway(db *gorm.DB) (*GormGateway, error) {
	dialect, err := DialectOf(db.Dialector.Name())
	if err != nil {
		return nil, err
	}
	return &GormGateway{db: db, dialect: dialect}, nil
}

func parseGormLogLevel(level string) logger.LogLevel {
	switch level {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

func (g *GormGateway) Dialect() Dialect {
	return g.dialect
}

// DB 返回当前 context 对应的 *gorm.DB，在事务中时返回事务句柄
func (g *GormGateway) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(gormTxKey{}).(*gormTx); ok && tx.owner == g {
		return tx.tx.WithContext(ctx)
	}
	return g.db.WithContext(ctx)
}

func (g *GormGateway) Exec(ctx context.Context, stmts ...Statement) error {
	db := g.DB(ctx)
	for _, stmt := range stmts {
		if stmt.SQL == "" {
			continue
		}
		if err := db.Exec(stmt.SQL, normalizeArgs(g.dialect, stmt.Args)...).Error; err != nil {
			return errors.WithMessagef(TranslateError(err), "exec [%s]", stmt.SQL)
		}
	}
	return nil
}

func (g *GormGateway) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	rows, err := g.DB(ctx).Raw(stmt.SQL, normalizeArgs(g.dialect, stmt.Args)...).Rows()
	if err != nil {
		return nil, errors.WithMessagef(TranslateError(err), "query [%s]", stmt.SQL)
	}
	return scanRows(rows)
}

func (g *GormGateway) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(gormTxKey{}).(*gormTx); ok && tx.owner == g {
		return fn(ctx)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, gormTxKey{}, &gormTx{owner: g, tx: tx}))
	})
}

func (g *GormGateway) WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.WithTx(ctx, func(ctx context.Context) error {
		return withSavepoint(ctx, g, name, fn)
	})
}

func (g *GormGateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return errors.Wrap(err, "db.DB failed")
	}
	return sqlDB.Close()
}
