package reference

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/uid"
)

const batchSize = 500

type SQLStoreOptions struct {
	Gateway rdb.Gateway `cfg:"-"`
	Table   string      `cfg:"table" def:"reference"`
	// 启动时建表
	Migrate bool `cfg:"migrate"`
}

// SQLStore 通过网关读写引用表，边的写入加入 context 中的事务
type SQLStore struct {
	gateway rdb.Gateway
	table   string
	ids     uid.Generator
}

func NewSQLStoreWithOptions(options *SQLStoreOptions) (*SQLStore, error) {
	if options == nil || options.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	table := options.Table
	if table == "" {
		table = "reference"
	}
	s := &SQLStore{
		gateway: options.Gateway,
		table:   table,
		ids:     uid.NewUUIDGeneratorWithOptions(&uid.UUIDOptions{Prefix: "ref"}),
	}
	if options.Migrate {
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate 创建引用表以及 (to, from) 唯一索引
func (s *SQLStore) Migrate(ctx context.Context) error {
	d := s.gateway.Dialect()
	t := d.Quote(s.table)
	var stmts []rdb.Statement
	switch d.Name() {
	case rdb.DialectMySQL:
		stmts = append(stmts, rdb.NewStatement(fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (`id` VARCHAR(64) PRIMARY KEY, `from_field_id` VARCHAR(64) NOT NULL, `to_field_id` VARCHAR(64) NOT NULL, `created_time` DATETIME(3) NOT NULL, "+
				"UNIQUE KEY `uniq_%s_to_from` (`to_field_id`, `from_field_id`), KEY `index_%s_from` (`from_field_id`))",
			t, s.table, s.table)))
	default:
		columnType := d.ColumnType(rdb.ColumnDateTime)
		stmts = append(stmts,
			rdb.NewStatement(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("id" TEXT PRIMARY KEY, "from_field_id" TEXT NOT NULL, "to_field_id" TEXT NOT NULL, "created_time" %s NOT NULL)`, t, columnType)),
			rdb.NewStatement(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ("to_field_id", "from_field_id")`, d.Quote("uniq_"+s.table+"_to_from"), t)),
			rdb.NewStatement(d.CreateIndex(s.table, "index_"+s.table+"_from", "from_field_id")),
		)
	}
	return errors.WithMessage(s.gateway.Exec(ctx, stmts...), "migrate reference table failed")
}

func (s *SQLStore) Add(ctx context.Context, edges ...Edge) error {
	edges, err := normalize(edges)
	if err != nil || len(edges) == 0 {
		return err
	}

	existing, err := s.Incoming(ctx, ToIDs(edges))
	if err != nil {
		return err
	}
	have := make(map[Edge]struct{}, len(existing))
	for _, e := range existing {
		have[e] = struct{}{}
	}

	d := s.gateway.Dialect()
	now := time.Now()
	var stmts []rdb.Statement
	for _, e := range edges {
		if _, ok := have[e]; ok {
			continue
		}
		stmts = append(stmts, rdb.NewStatement(
			fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, ?)",
				d.Quote(s.table), d.Quote("id"), d.Quote("from_field_id"), d.Quote("to_field_id"), d.Quote("created_time")),
			s.ids.Generate(), e.FromFieldID, e.ToFieldID, now,
		))
	}
	return s.gateway.Exec(ctx, stmts...)
}

func (s *SQLStore) Delete(ctx context.Context, edges ...Edge) error {
	d := s.gateway.Dialect()
	stmts := make([]rdb.Statement, 0, len(edges))
	for _, e := range edges {
		stmts = append(stmts, rdb.NewStatement(
			fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", d.Quote(s.table), d.Quote("from_field_id"), d.Quote("to_field_id")),
			e.FromFieldID, e.ToFieldID,
		))
	}
	return s.gateway.Exec(ctx, stmts...)
}

func (s *SQLStore) DeleteTo(ctx context.Context, toIDs ...string) error {
	return s.deleteWhere(ctx, "to_field_id", toIDs)
}

func (s *SQLStore) DeleteFrom(ctx context.Context, fromIDs ...string) error {
	return s.deleteWhere(ctx, "from_field_id", fromIDs)
}

func (s *SQLStore) deleteWhere(ctx context.Context, column string, ids []string) error {
	d := s.gateway.Dialect()
	return chunk(ids, batchSize, func(ids []string) error {
		return s.gateway.Exec(ctx, rdb.NewStatement(
			fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.Quote(s.table), d.Quote(column), rdb.Placeholders(len(ids))),
			rdb.Args(ids)...,
		))
	})
}

func (s *SQLStore) Replace(ctx context.Context, toID string, fromIDs []string) error {
	for _, id := range fromIDs {
		if err := (Edge{FromFieldID: id, ToFieldID: toID}).validate(); err != nil {
			return err
		}
	}
	return s.gateway.WithTx(ctx, func(ctx context.Context) error {
		existing, err := s.Incoming(ctx, []string{toID})
		if err != nil {
			return err
		}
		added, removed := replaceDiff(toID, existing, fromIDs)
		if err := s.Delete(ctx, removed...); err != nil {
			return err
		}
		return s.Add(ctx, added...)
	})
}

func (s *SQLStore) Outgoing(ctx context.Context, fromIDs []string) ([]Edge, error) {
	return s.selectWhere(ctx, "from_field_id", fromIDs)
}

func (s *SQLStore) Incoming(ctx context.Context, toIDs []string) ([]Edge, error) {
	return s.selectWhere(ctx, "to_field_id", toIDs)
}

func (s *SQLStore) selectWhere(ctx context.Context, column string, ids []string) ([]Edge, error) {
	d := s.gateway.Dialect()
	var edges []Edge
	err := chunk(ids, batchSize, func(ids []string) error {
		rows, err := s.gateway.Query(ctx, rdb.NewStatement(
			fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
				d.Quote("from_field_id"), d.Quote("to_field_id"), d.Quote(s.table), d.Quote(column), rdb.Placeholders(len(ids))),
			rdb.Args(ids)...,
		))
		if err != nil {
			return errors.WithMessage(err, "query reference failed")
		}
		for _, row := range rows {
			edges = append(edges, Edge{FromFieldID: row.Text("from_field_id"), ToFieldID: row.Text("to_field_id")})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEdges(edges)
	return edges, nil
}
