package rdb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
	DialectMySQL    = "mysql"
)

// 物理列类型，与字段的 DBFieldType 取值一致
const (
	ColumnText     = "TEXT"
	ColumnInteger  = "INTEGER"
	ColumnReal     = "REAL"
	ColumnBoolean  = "BOOLEAN"
	ColumnDateTime = "DATETIME"
	ColumnJSON     = "JSON"
)

// 记录表和关联表的系统列
const (
	IDColumn    = "__id"
	OrderColumn = "__order"
)

// sqliteTimeLayout sqlite 以固定宽度的 UTC 文本保存时间，字符串比较即时间比较
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

// Dialect 屏蔽不同数据库的 SQL 差异
type Dialect interface {
	Name() string
	Quote(ident string) string
	Rebind(query string) string
	TimeArg(t time.Time) any
	ColumnType(dbFieldType string) string
	// Like 大小写不敏感的模糊匹配运算符
	Like() string

	// JSONElements 把 JSON 数组列展开为表源，alias 为元素别名
	JSONElements(column, alias string) string
	// JSONElementText 元素的文本值，key 非空时取对象的该属性
	JSONElementText(alias, key string) string
	JSONExtractText(column, key string) string
	JSONArrayLength(column string) string
	// JSONAgg 聚合为 JSON 数组，不支持聚合内排序的数据库依赖子查询的顺序
	JSONAgg(expr, orderBy string) string
	// JSONValue 把保存 JSON 文本的列转换为 JSON 值，聚合时不再作为字符串转义
	JSONValue(expr string) string
	// JSONObject 由键值表达式构造 JSON 对象，keys 为字面量
	JSONObject(keys []string, exprs []string) string
	// GroupConcat 以 separator 连接文本，orderBy 的处理同 JSONAgg
	GroupConcat(expr, separator, orderBy string) string

	AddColumn(table, column, dbFieldType string) string
	AddGeneratedColumn(table, column, dbFieldType, expr string) string
	DropColumn(table, column string) string
	AlterColumnType(table, column, dbFieldType string) []string
	CreateIndex(table, name string, columns ...string) string
	CreateJunctionTable(table, selfKey, foreignKey string) []string
	// LockRows 锁定 n 行记录，返回空串表示不需要显式加锁
	LockRows(table string, n int) string
	LockTable(table string) string
}

func DialectOf(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case DialectPostgres, "postgresql", "pgx":
		return Postgres{}, nil
	case DialectSQLite, "sqlite3":
		return SQLite{}, nil
	case DialectMySQL:
		return MySQL{}, nil
	default:
		return nil, errors.Errorf("unsupported dialect %q", name)
	}
}

func quoteWith(ident string, quote string) string {
	parts := strings.Split(ident, ".")
	for i, part := range parts {
		parts[i] = quote + strings.ReplaceAll(part, quote, quote+quote) + quote
	}
	return strings.Join(parts, ".")
}

func quoteAll(d Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = d.Quote(ident)
	}
	return strings.Join(quoted, ", ")
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func objectArgs(keys []string, exprs []string) string {
	parts := make([]string, 0, len(keys)*2)
	for i, key := range keys {
		parts = append(parts, quoteLiteral(key), exprs[i])
	}
	return strings.Join(parts, ", ")
}

func lockRowsSQL(d Dialect, table string, n int) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) FOR UPDATE",
		d.Quote(IDColumn), d.Quote(table), d.Quote(IDColumn), Placeholders(n))
}

type Postgres struct{}

func (Postgres) Name() string { return DialectPostgres }

func (Postgres) Quote(ident string) string { return quoteWith(ident, `"`) }

// Rebind 把 ? 改写为 $n，跳过单引号字符串内的问号
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (Postgres) TimeArg(t time.Time) any { return t.UTC() }

func (Postgres) ColumnType(dbFieldType string) string {
	switch dbFieldType {
	case ColumnInteger:
		return "BIGINT"
	case ColumnReal:
		return "DOUBLE PRECISION"
	case ColumnBoolean:
		return "BOOLEAN"
	case ColumnDateTime:
		return "TIMESTAMPTZ"
	case ColumnJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (Postgres) Like() string { return "ILIKE" }

func (Postgres) JSONElements(column, alias string) string {
	return fmt.Sprintf("jsonb_array_elements(%s::jsonb) AS %s", column, alias)
}

func (Postgres) JSONElementText(alias, key string) string {
	if key == "" {
		return fmt.Sprintf("(%s.value #>> '{}')", alias)
	}
	return fmt.Sprintf("(%s.value ->> '%s')", alias, key)
}

func (Postgres) JSONExtractText(column, key string) string {
	return fmt.Sprintf("(%s::jsonb ->> '%s')", column, key)
}

func (Postgres) JSONArrayLength(column string) string {
	return fmt.Sprintf("jsonb_array_length(%s::jsonb)", column)
}

func (Postgres) JSONAgg(expr, orderBy string) string {
	if orderBy == "" {
		return fmt.Sprintf("jsonb_agg(%s)", expr)
	}
	return fmt.Sprintf("jsonb_agg(%s ORDER BY %s)", expr, orderBy)
}

func (Postgres) JSONValue(expr string) string {
	return fmt.Sprintf("(%s)::jsonb", expr)
}

func (Postgres) JSONObject(keys []string, exprs []string) string {
	return "jsonb_build_object(" + objectArgs(keys, exprs) + ")"
}

func (Postgres) GroupConcat(expr, separator, orderBy string) string {
	if orderBy == "" {
		return fmt.Sprintf("string_agg((%s)::text, %s)", expr, quoteLiteral(separator))
	}
	return fmt.Sprintf("string_agg((%s)::text, %s ORDER BY %s)", expr, quoteLiteral(separator), orderBy)
}

func (d Postgres) AddColumn(table, column, dbFieldType string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType))
}

func (d Postgres) AddGeneratedColumn(table, column, dbFieldType, expr string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s GENERATED ALWAYS AS (%s) STORED",
		d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType), expr)
}

func (d Postgres) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", d.Quote(table), d.Quote(column))
}

func (d Postgres) AlterColumnType(table, column, dbFieldType string) []string {
	columnType := d.ColumnType(dbFieldType)
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.Quote(table), d.Quote(column), columnType, d.Quote(column), columnType)}
}

func (d Postgres) CreateIndex(table, name string, columns ...string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

func (d Postgres) CreateJunctionTable(table, selfKey, foreignKey string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s SERIAL PRIMARY KEY, %s TEXT, %s TEXT, %s DOUBLE PRECISION)",
			d.Quote(table), d.Quote(IDColumn), d.Quote(selfKey), d.Quote(foreignKey), d.Quote(OrderColumn)),
		d.CreateIndex(table, "index_"+selfKey, selfKey),
		d.CreateIndex(table, "index_"+foreignKey, foreignKey),
	}
}

func (d Postgres) LockRows(table string, n int) string { return lockRowsSQL(d, table, n) }

func (d Postgres) LockTable(table string) string {
	return fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", d.Quote(table))
}

type SQLite struct{}

func (SQLite) Name() string { return DialectSQLite }

func (SQLite) Quote(ident string) string { return quoteWith(ident, `"`) }

func (SQLite) Rebind(query string) string { return query }

func (SQLite) TimeArg(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) }

func (SQLite) ColumnType(dbFieldType string) string {
	switch dbFieldType {
	case ColumnInteger, ColumnBoolean:
		return "INTEGER"
	case ColumnReal:
		return "REAL"
	default:
		// 时间和 JSON 都以文本保存
		return "TEXT"
	}
}

func (SQLite) Like() string { return "LIKE" }

func (SQLite) JSONElements(column, alias string) string {
	return fmt.Sprintf("json_each(%s) AS %s", column, alias)
}

func (SQLite) JSONElementText(alias, key string) string {
	if key == "" {
		return alias + ".value"
	}
	return fmt.Sprintf("json_extract(%s.value, '$.%s')", alias, key)
}

func (SQLite) JSONExtractText(column, key string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
}

func (SQLite) JSONArrayLength(column string) string {
	return fmt.Sprintf("json_array_length(%s)", column)
}

func (SQLite) JSONAgg(expr, _ string) string {
	return fmt.Sprintf("json_group_array(%s)", expr)
}

func (SQLite) JSONValue(expr string) string {
	return fmt.Sprintf("json(%s)", expr)
}

func (SQLite) JSONObject(keys []string, exprs []string) string {
	return "json_object(" + objectArgs(keys, exprs) + ")"
}

func (SQLite) GroupConcat(expr, separator, _ string) string {
	return fmt.Sprintf("group_concat(%s, %s)", expr, quoteLiteral(separator))
}

func (d SQLite) AddColumn(table, column, dbFieldType string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType))
}

// AddGeneratedColumn sqlite 只允许通过 ALTER TABLE 添加 VIRTUAL 生成列
func (d SQLite) AddGeneratedColumn(table, column, dbFieldType, expr string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s GENERATED ALWAYS AS (%s) VIRTUAL",
		d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType), expr)
}

func (d SQLite) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

// AlterColumnType sqlite 不支持修改列类型，删除后重建，调用方已先把值置空
func (d SQLite) AlterColumnType(table, column, dbFieldType string) []string {
	return []string{d.DropColumn(table, column), d.AddColumn(table, column, dbFieldType)}
}

func (d SQLite) CreateIndex(table, name string, columns ...string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

func (d SQLite) CreateJunctionTable(table, selfKey, foreignKey string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s INTEGER PRIMARY KEY AUTOINCREMENT, %s TEXT, %s TEXT, %s REAL)",
			d.Quote(table), d.Quote(IDColumn), d.Quote(selfKey), d.Quote(foreignKey), d.Quote(OrderColumn)),
		d.CreateIndex(table, "index_"+table+"_"+selfKey, selfKey),
		d.CreateIndex(table, "index_"+table+"_"+foreignKey, foreignKey),
	}
}

// LockRows sqlite 写事务持有数据库级锁
func (SQLite) LockRows(string, int) string { return "" }

func (SQLite) LockTable(string) string { return "" }

type MySQL struct{}

func (MySQL) Name() string { return DialectMySQL }

func (MySQL) Quote(ident string) string { return quoteWith(ident, "`") }

func (MySQL) Rebind(query string) string { return query }

func (MySQL) TimeArg(t time.Time) any { return t.UTC() }

func (MySQL) ColumnType(dbFieldType string) string {
	switch dbFieldType {
	case ColumnInteger:
		return "BIGINT"
	case ColumnReal:
		return "DOUBLE"
	case ColumnBoolean:
		return "TINYINT(1)"
	case ColumnDateTime:
		return "DATETIME(3)"
	case ColumnJSON:
		return "JSON"
	default:
		return "LONGTEXT"
	}
}

func (MySQL) Like() string { return "LIKE" }

func (MySQL) JSONElements(column, alias string) string {
	return fmt.Sprintf("JSON_TABLE(%s, '$[*]' COLUMNS (value JSON PATH '$')) AS %s", column, alias)
}

func (MySQL) JSONElementText(alias, key string) string {
	if key == "" {
		return fmt.Sprintf("JSON_UNQUOTE(%s.value)", alias)
	}
	return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s.value, '$.%s'))", alias, key)
}

func (MySQL) JSONExtractText(column, key string) string {
	return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s, '$.%s'))", column, key)
}

func (MySQL) JSONArrayLength(column string) string {
	return fmt.Sprintf("JSON_LENGTH(%s)", column)
}

func (MySQL) JSONAgg(expr, _ string) string {
	return fmt.Sprintf("JSON_ARRAYAGG(%s)", expr)
}

func (MySQL) JSONValue(expr string) string {
	return fmt.Sprintf("CAST(%s AS JSON)", expr)
}

func (MySQL) JSONObject(keys []string, exprs []string) string {
	return "JSON_OBJECT(" + objectArgs(keys, exprs) + ")"
}

func (MySQL) GroupConcat(expr, separator, orderBy string) string {
	if orderBy == "" {
		return fmt.Sprintf("GROUP_CONCAT(%s SEPARATOR %s)", expr, quoteLiteral(separator))
	}
	return fmt.Sprintf("GROUP_CONCAT(%s ORDER BY %s SEPARATOR %s)", expr, orderBy, quoteLiteral(separator))
}

func (d MySQL) AddColumn(table, column, dbFieldType string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType))
}

func (d MySQL) AddGeneratedColumn(table, column, dbFieldType, expr string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s GENERATED ALWAYS AS (%s) STORED",
		d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType), expr)
}

func (d MySQL) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (d MySQL) AlterColumnType(table, column, dbFieldType string) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s", d.Quote(table), d.Quote(column), d.ColumnType(dbFieldType))}
}

func (d MySQL) CreateIndex(table, name string, columns ...string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

// CreateJunctionTable mysql 没有 CREATE INDEX IF NOT EXISTS，索引随建表创建
func (d MySQL) CreateJunctionTable(table, selfKey, foreignKey string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s BIGINT AUTO_INCREMENT PRIMARY KEY, %s VARCHAR(64), %s VARCHAR(64), %s DOUBLE, INDEX %s (%s), INDEX %s (%s))",
			d.Quote(table), d.Quote(IDColumn), d.Quote(selfKey), d.Quote(foreignKey), d.Quote(OrderColumn),
			d.Quote("index_"+selfKey), d.Quote(selfKey), d.Quote("index_"+foreignKey), d.Quote(foreignKey)),
	}
}

func (d MySQL) LockRows(table string, n int) string { return lockRowsSQL(d, table, n) }

// LockTable 事务内 LOCK TABLES 会隐式提交，改为锁定全表行
func (d MySQL) LockTable(table string) string {
	return fmt.Sprintf("SELECT %s FROM %s FOR UPDATE", d.Quote(IDColumn), d.Quote(table))
}
