package reference

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/refx"
)

func testStore(s Store) {
	ctx := context.Background()
	So(s.Add(ctx,
		Edge{FromFieldID: "A", ToFieldID: "B"},
		Edge{FromFieldID: "B", ToFieldID: "C"},
		Edge{FromFieldID: "A", ToFieldID: "C"},
		Edge{FromFieldID: "A", ToFieldID: "B"},
	), ShouldBeNil)

	Convey("重复添加被忽略", func() {
		So(s.Add(ctx, Edge{FromFieldID: "A", ToFieldID: "B"}), ShouldBeNil)
		edges, err := s.Outgoing(ctx, []string{"A"})
		So(err, ShouldBeNil)
		So(cmp.Diff([]Edge{{"A", "B"}, {"A", "C"}}, edges), ShouldBeEmpty)
	})

	Convey("拒绝自环", func() {
		err := s.Add(ctx, Edge{FromFieldID: "A", ToFieldID: "A"})
		So(rdb.IsValidation(err), ShouldBeTrue)
		err = s.Replace(ctx, "C", []string{"C"})
		So(rdb.IsValidation(err), ShouldBeTrue)
	})

	Convey("Incoming", func() {
		edges, err := s.Incoming(ctx, []string{"C"})
		So(err, ShouldBeNil)
		So(cmp.Diff([]Edge{{"A", "C"}, {"B", "C"}}, edges), ShouldBeEmpty)
		So(FromIDs(edges), ShouldResemble, []string{"A", "B"})
		So(ToIDs(edges), ShouldResemble, []string{"C"})
	})

	Convey("Delete / DeleteTo / DeleteFrom", func() {
		So(s.Delete(ctx, Edge{FromFieldID: "A", ToFieldID: "C"}), ShouldBeNil)
		edges, err := s.Incoming(ctx, []string{"C"})
		So(err, ShouldBeNil)
		So(cmp.Diff([]Edge{{"B", "C"}}, edges), ShouldBeEmpty)

		So(s.DeleteTo(ctx, "C"), ShouldBeNil)
		edges, err = s.Outgoing(ctx, []string{"A", "B"})
		So(err, ShouldBeNil)
		So(cmp.Diff([]Edge{{"A", "B"}}, edges), ShouldBeEmpty)

		So(s.DeleteFrom(ctx, "A"), ShouldBeNil)
		edges, err = s.Outgoing(ctx, []string{"A", "B"})
		So(err, ShouldBeNil)
		So(edges, ShouldBeEmpty)
	})

	Convey("Replace 重建依赖集合", func() {
		So(s.Replace(ctx, "C", []string{"B", "D"}), ShouldBeNil)
		edges, err := s.Incoming(ctx, []string{"C"})
		So(err, ShouldBeNil)
		So(cmp.Diff([]Edge{{"B", "C"}, {"D", "C"}}, edges), ShouldBeEmpty)

		So(s.Replace(ctx, "C", nil), ShouldBeNil)
		edges, err = s.Incoming(ctx, []string{"C"})
		So(err, ShouldBeNil)
		So(edges, ShouldBeEmpty)
	})

	Convey("空 id 列表", func() {
		edges, err := s.Outgoing(ctx, nil)
		So(err, ShouldBeNil)
		So(edges, ShouldBeEmpty)
		So(s.DeleteTo(ctx), ShouldBeNil)
	})
}

func TestMapStore(t *testing.T) {
	Convey("测试 MapStore", t, func() {
		s, err := NewStoreWithOptions(&refx.TypeOptions{Type: "MapStore"})
		So(err, ShouldBeNil)
		testStore(s)
	})
}

func TestSQLStore(t *testing.T) {
	Convey("测试 SQLStore", t, func() {
		gateway, err := rdb.NewSQLGatewayWithOptions(&rdb.SQLGatewayOptions{Driver: "sqlite3", DSN: ":memory:", MaxConns: 1})
		So(err, ShouldBeNil)
		defer gateway.Close()

		s, err := NewStoreWithOptions(&refx.TypeOptions{
			Namespace: Namespace,
			Type:      "SQLStore",
			Options:   &SQLStoreOptions{Gateway: gateway, Migrate: true},
		})
		So(err, ShouldBeNil)
		testStore(s)

		Convey("边的写入随事务回滚", func() {
			ctx := context.Background()
			_ = gateway.WithTx(ctx, func(ctx context.Context) error {
				So(s.Add(ctx, Edge{FromFieldID: "X", ToFieldID: "Y"}), ShouldBeNil)
				edges, err := s.Outgoing(ctx, []string{"X"})
				So(err, ShouldBeNil)
				So(len(edges), ShouldEqual, 1)
				return errors.New("rollback")
			})
			edges, err := s.Outgoing(ctx, []string{"X"})
			So(err, ShouldBeNil)
			So(edges, ShouldBeEmpty)
		})

		Convey("唯一索引兜底重复边", func() {
			ctx := context.Background()
			err := gateway.Exec(ctx, rdb.NewStatement(
				`INSERT INTO "reference" ("id", "from_field_id", "to_field_id", "created_time") VALUES (?, ?, ?, ?)`,
				"dup", "A", "B", "2024-01-01T00:00:00.000Z",
			))
			So(rdb.IsConstraint(err), ShouldBeTrue)
		})
	})
}

func TestGormStore(t *testing.T) {
	Convey("测试 GormStore", t, func() {
		gateway, err := rdb.NewGormGatewayWithOptions(&rdb.GormGatewayOptions{Driver: "sqlite", DSN: ":memory:", MaxConns: 1})
		So(err, ShouldBeNil)
		defer gateway.Close()

		s, err := NewGormStoreWithOptions(&GormStoreOptions{Gateway: gateway})
		So(err, ShouldBeNil)
		testStore(s)
	})
}

func TestRedisStore(t *testing.T) {
	Convey("测试 RedisStore", t, func() {
		server := miniredis.RunT(t)

		s, err := NewStoreWithOptions(&refx.TypeOptions{
			Type:    "RedisStore",
			Options: map[string]any{"endpoint": server.Addr(), "keyPrefix": "test:ref"},
		})
		So(err, ShouldBeNil)
		testStore(s)

		Convey("两组集合同时维护", func() {
			So(server.Exists("test:ref:in:B"), ShouldBeTrue)
			So(server.Exists("test:ref:out:A"), ShouldBeTrue)
			members, err := server.SMembers("test:ref:out:A")
			So(err, ShouldBeNil)
			So(members, ShouldResemble, []string{"B", "C"})
		})

		Convey("缺少地址", func() {
			_, err := NewRedisStoreWithOptions(&RedisStoreOptions{})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestNewStoreWithOptions(t *testing.T) {
	Convey("测试 NewStoreWithOptions", t, func() {
		_, err := NewStoreWithOptions(nil)
		So(err, ShouldNotBeNil)

		_, err = NewStoreWithOptions(&refx.TypeOptions{Type: "Unknown"})
		So(err, ShouldNotBeNil)

		_, err = NewStoreWithOptions(&refx.TypeOptions{Type: "SQLStore", Options: map[string]any{"table": "ref"}})
		So(err, ShouldNotBeNil)
	})
}
