package rdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLGatewayOptions struct {
	Driver   string `cfg:"driver" def:"sqlite3" validate:"oneof=sqlite3 mysql postgres"`
	DSN      string `cfg:"dsn"`
	Host     string `cfg:"host" def:"localhost"`
	Port     string `cfg:"port" def:"3306"`
	Database string `cfg:"database"`
	Username string `cfg:"username"`
	Password string `cfg:"password"`
	Charset  string `cfg:"charset" def:"utf8mb4"`
	MaxConns int    `cfg:"maxConns" def:"10"`
	MaxIdle  int    `cfg:"maxIdle" def:"5"`
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlTxKey struct{}

type sqlTx struct {
	owner *SQLGateway
	tx    *sql.Tx
}

// SQLGateway 基于 database/sql 的网关
type SQLGateway struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLGatewayWithOptions(options *SQLGatewayOptions) (*SQLGateway, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	dsn := options.DSN
	if dsn == "" {
		switch options.Driver {
		case "mysql":
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=UTC",
				options.Username, options.Password, options.Host, options.Port, options.Database, options.Charset)
		case "postgres":
			dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
				options.Host, options.Port, options.Username, options.Password, options.Database)
		case "sqlite3":
			dsn = options.Database
		default:
			return nil, errors.Errorf("unsupported driver: %s", options.Driver)
		}
	}

	db, err := sql.Open(options.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open failed")
	}
	if options.MaxConns > 0 {
		db.SetMaxOpenConns(options.MaxConns)
	}
	if options.MaxIdle > 0 {
		db.SetMaxIdleConns(options.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "db.Ping failed")
	}

	return NewSQLGateway(db, options.Driver)
}

// NewSQLGateway 使用已打开的连接创建网关，driver 决定方言
func NewSQLGateway(db *sql.DB, driver string) (*SQLGateway, error) {
	dialect, err := DialectOf(driver)
	if err != nil {
		return nil, err
	}
	return &SQLGateway{db: db, dialect: dialect}, nil
}

func (g *SQLGateway) Dialect() Dialect {
	return g.dialect
}

func (g *SQLGateway) DB() *sql.DB {
	return g.db
}

func (g *SQLGateway) executor(ctx context.Context) executor {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sqlTx); ok && tx.owner == g {
		return tx.tx
	}
	return g.db
}

func (g *SQLGateway) inTx(ctx context.Context) bool {
	tx, ok := ctx.Value(sqlTxKey{}).(*sqlTx)
	return ok && tx.owner == g
}

func (g *SQLGateway) Exec(ctx context.Context, stmts ...Statement) error {
	exec := g.executor(ctx)
	for _, stmt := range stmts {
		if stmt.SQL == "" {
			continue
		}
		if _, err := exec.ExecContext(ctx, g.dialect.Rebind(stmt.SQL), normalizeArgs(g.dialect, stmt.Args)...); err != nil {
			return errors.WithMessagef(TranslateError(err), "exec [%s]", stmt.SQL)
		}
	}
	return nil
}

func (g *SQLGateway) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	rows, err := g.executor(ctx).QueryContext(ctx, g.dialect.Rebind(stmt.SQL), normalizeArgs(g.dialect, stmt.Args)...)
	if err != nil {
		return nil, errors.WithMessagef(TranslateError(err), "query [%s]", stmt.SQL)
	}
	return scanRows(rows)
}

func (g *SQLGateway) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if g.inTx(ctx) {
		return fn(ctx)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "BeginTx failed")
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, sqlTxKey{}, &sqlTx{owner: g, tx: tx})); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithMessagef(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

func (g *SQLGateway) WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.WithTx(ctx, func(ctx context.Context) error {
		return withSavepoint(ctx, g, name, fn)
	})
}

func (g *SQLGateway) Close() error {
	return g.db.Close()
}

func withSavepoint(ctx context.Context, g Gateway, name string, fn func(ctx context.Context) error) error {
	sp := savepointName(name)
	if err := g.Exec(ctx, NewStatement("SAVEPOINT "+sp)); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rbErr := g.Exec(ctx, NewStatement("ROLLBACK TO SAVEPOINT "+sp), NewStatement("RELEASE SAVEPOINT "+sp)); rbErr != nil {
			return errors.WithMessagef(err, "rollback to savepoint failed: %v", rbErr)
		}
		return err
	}
	return g.Exec(ctx, NewStatement("RELEASE SAVEPOINT "+sp))
}

// normalizeArgs 按方言格式化时间参数
func normalizeArgs(d Dialect, args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case time.Time:
			out[i] = d.TimeArg(v)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = d.TimeArg(*v)
			}
		default:
			out[i] = arg
		}
	}
	return out
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "rows.Columns failed")
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, errors.Wrap(err, "rows.Scan failed")
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, errors.Wrap(rows.Err(), "rows.Err")
}
