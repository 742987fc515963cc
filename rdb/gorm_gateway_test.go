package rdb

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormGateway(t *testing.T) {
	g, err := NewGormGatewayWithOptions(&GormGatewayOptions{Driver: "sqlite", DSN: ":memory:", MaxConns: 1})
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, DialectSQLite, g.Dialect().Name())

	ctx := context.Background()
	require.NoError(t, g.Exec(ctx, NewStatement(`CREATE TABLE "tbl" ("__id" TEXT PRIMARY KEY, "score" REAL)`)))

	err = g.WithTx(ctx, func(ctx context.Context) error {
		if err := g.Exec(ctx, NewStatement(`INSERT INTO "tbl" VALUES (?, ?)`, "rec1", 1.5)); err != nil {
			return err
		}
		// 事务内的 DB(ctx) 能看到未提交的写入
		var n int64
		if err := g.DB(ctx).Table("tbl").Count(&n).Error; err != nil {
			return err
		}
		assert.Equal(t, int64(1), n)
		return errors.New("abort")
	})
	assert.Error(t, err)

	rows, err := g.Query(ctx, NewStatement(`SELECT COUNT(*) AS n FROM "tbl"`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0]["n"])

	err = g.WithTx(ctx, func(ctx context.Context) error {
		if err := g.Exec(ctx, NewStatement(`INSERT INTO "tbl" VALUES (?, ?)`, "rec1", 1.5)); err != nil {
			return err
		}
		_ = g.WithSavepoint(ctx, "rollback", func(ctx context.Context) error {
			if err := g.Exec(ctx, NewStatement(`INSERT INTO "tbl" VALUES (?, ?)`, "rec2", 2.5)); err != nil {
				return err
			}
			return errors.New("abort")
		})
		return nil
	})
	require.NoError(t, err)

	rows, err = g.Query(ctx, NewStatement(`SELECT "__id", "score" FROM "tbl"`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "rec1", rows[0].Text("__id"))
	assert.Equal(t, 1.5, rows[0]["score"])
}
