package rdb

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrNoTransaction = errors.New("no transaction in context")

// ValidationError 输入不合法，语句执行前拒绝
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

func NewValidationError(format string, args ...any) error {
	return errors.WithStack(&ValidationError{Msg: fmt.Sprintf(format, args...)})
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// InvariantError 数据违反内部不变量，属于缺陷，不重试
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant: " + e.Msg
}

func NewInvariantError(format string, args ...any) error {
	return errors.WithStack(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

func IsInvariant(err error) bool {
	var e *InvariantError
	return errors.As(err, &e)
}

type ConstraintKind string

const (
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintNotNull    ConstraintKind = "notNull"
	ConstraintForeignKey ConstraintKind = "foreignKey"
	ConstraintCheck      ConstraintKind = "check"
)

// ConstraintError 数据库约束冲突，携带表和列用于提示
type ConstraintError struct {
	Kind   ConstraintKind
	Table  string
	Column string
	Err    error
}

func (e *ConstraintError) Error() string {
	target := e.Table
	if e.Column != "" {
		target += "." + e.Column
	}
	return fmt.Sprintf("%s constraint violated on %s: %v", e.Kind, target, e.Err)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

func IsConstraint(err error) bool {
	var e *ConstraintError
	return errors.As(err, &e)
}

// postgres SQLSTATE
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
)

// mysql 错误码
const (
	mysqlBadNull                = 1048
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451
	mysqlForeignKeyChild        = 1452
	mysqlCheckConstraintViolate = 3819
)

var (
	sqliteTargetRe    = regexp.MustCompile(`constraint failed: ([\w.]+)`)
	mysqlColumnRe     = regexp.MustCompile("Column '([^']+)'")
	mysqlDuplicateKey = regexp.MustCompile(`for key '([^']+)'`)
)

// TranslateError 把驱动返回的约束错误转换为 *ConstraintError，其他错误原样返回
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if IsConstraint(err) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		kind, ok := map[string]ConstraintKind{
			pgNotNullViolation:    ConstraintNotNull,
			pgForeignKeyViolation: ConstraintForeignKey,
			pgUniqueViolation:     ConstraintUnique,
			pgCheckViolation:      ConstraintCheck,
		}[string(pqErr.Code)]
		if ok {
			return &ConstraintError{Kind: kind, Table: pqErr.Table, Column: pqErr.Column, Err: err}
		}
		return err
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		var kind ConstraintKind
		switch mysqlErr.Number {
		case mysqlBadNull:
			kind = ConstraintNotNull
		case mysqlDuplicateEntry:
			kind = ConstraintUnique
		case mysqlForeignKeyParent, mysqlForeignKeyChild:
			kind = ConstraintForeignKey
		case mysqlCheckConstraintViolate:
			kind = ConstraintCheck
		default:
			return err
		}
		e := &ConstraintError{Kind: kind, Err: err}
		if m := mysqlColumnRe.FindStringSubmatch(mysqlErr.Message); m != nil {
			e.Column = m[1]
		} else if m := mysqlDuplicateKey.FindStringSubmatch(mysqlErr.Message); m != nil {
			e.Table, e.Column = splitTarget(m[1])
		}
		return e
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		var kind ConstraintKind
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			kind = ConstraintUnique
		case sqlite3.ErrConstraintNotNull:
			kind = ConstraintNotNull
		case sqlite3.ErrConstraintForeignKey:
			kind = ConstraintForeignKey
		case sqlite3.ErrConstraintCheck:
			kind = ConstraintCheck
		default:
			return err
		}
		e := &ConstraintError{Kind: kind, Err: err}
		if m := sqliteTargetRe.FindStringSubmatch(sqliteErr.Error()); m != nil {
			e.Table, e.Column = splitTarget(m[1])
		}
		return e
	}

	return translateByMessage(err)
}

// translateByMessage 兜底处理未暴露错误类型的驱动
func translateByMessage(err error) error {
	msg := err.Error()
	var kind ConstraintKind
	switch {
	case containsAny(msg, "UNIQUE constraint failed", "violates unique constraint", "Error 1062"):
		kind = ConstraintUnique
	case containsAny(msg, "NOT NULL constraint failed", "violates not-null constraint", "Error 1048"):
		kind = ConstraintNotNull
	case containsAny(msg, "FOREIGN KEY constraint failed", "violates foreign key constraint", "Error 1451", "Error 1452"):
		kind = ConstraintForeignKey
	case containsAny(msg, "CHECK constraint failed", "violates check constraint", "Error 3819"):
		kind = ConstraintCheck
	default:
		return err
	}
	e := &ConstraintError{Kind: kind, Err: err}
	if m := sqliteTargetRe.FindStringSubmatch(msg); m != nil {
		e.Table, e.Column = splitTarget(m[1])
	}
	return e
}

func splitTarget(target string) (string, string) {
	if i := strings.LastIndex(target, "."); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
