package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hatlonely/fieldflow/condition"
	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

type fixture struct {
	ctx      context.Context
	gateway  *rdb.SQLGateway
	registry *schema.MapRegistry
	store    reference.Store
	engine   *Engine
}

func lookupOf(linkFieldID, lookupFieldID string) *field.LookupOptions {
	return &field.LookupOptions{LinkFieldID: linkFieldID, ForeignTableID: "tblB", LookupFieldID: lookupFieldID}
}

func formula(id, expression, column string) *field.Field {
	return &field.Field{
		ID: id, TableID: "tblA", Type: field.TypeFormula, IsComputed: true,
		Options:     &field.FormulaOptions{Expression: expression},
		DBFieldName: column,
	}
}

// computedFields 按依赖顺序排列
func computedFields() []*field.Field {
	links := &field.LinkOptions{Relationship: field.ManyMany, ForeignTableID: "tblB", LookupFieldID: "fldTitle", IsOneWay: true, HasOrderColumn: true}
	link.DeriveKeys("fldLinks", "", "bse_a", "bse_b", field.ManyMany, true).Apply(links)

	return []*field.Field{
		{ID: "fldLinks", TableID: "tblA", Type: field.TypeLink, Options: links, DBFieldName: "links", DBFieldType: field.DBFieldTypeJSON, IsMultipleCellValue: true},
		{ID: "fldTitles", TableID: "tblA", Type: field.TypeSingleLineText, IsLookup: true, IsComputed: true, LookupOptions: lookupOf("fldLinks", "fldTitle"), DBFieldName: "titles"},
		{
			ID: "fldSum", TableID: "tblA", Type: field.TypeRollup, IsComputed: true, Options: &field.RollupOptions{Expression: "sum({values})"},
			LookupOptions: lookupOf("fldLinks", "fldScore"), DBFieldName: "sum_score",
		},
		formula("fldDouble", "{fldNum} * 2", "double"),
		formula("fldQuad", "{fldDouble} * 2", "quad"),
	}
}

// newFixture 表 A 通过 fldLinks 多对多关联表 B，A 上有 lookup、rollup 和两级生成列公式
func newFixture() *fixture {
	return newFixtureWith(nil, reference.NewMapStore())
}

// newFixtureWith wrap 为空时引擎直接使用内存注册表
func newFixtureWith(wrap func(*schema.MapRegistry) schema.Registry, store reference.Store) *fixture {
	ctx := context.Background()
	gateway, err := rdb.NewSQLGatewayWithOptions(&rdb.SQLGatewayOptions{Driver: "sqlite3", DSN: ":memory:", MaxConns: 1})
	So(err, ShouldBeNil)
	So(gateway.Exec(ctx,
		rdb.NewStatement(`CREATE TABLE "bse_a" ("__id" TEXT PRIMARY KEY, "name" TEXT, "num" REAL)`),
		rdb.NewStatement(`CREATE TABLE "bse_b" ("__id" TEXT PRIMARY KEY, "title" TEXT, "score" REAL)`),
		rdb.NewStatement(`INSERT INTO "bse_b" ("__id", "title", "score") VALUES ('b1', 'T1', 10), ('b2', 'T2', 5), ('b3', 'T3', 1)`),
	), ShouldBeNil)

	registry := schema.NewMapRegistry()
	registry.AddTables(
		&schema.Table{ID: "tblA", Name: "A", DBTableName: "bse_a"},
		&schema.Table{ID: "tblB", Name: "B", DBTableName: "bse_b"},
	)
	registry.AddFields(
		&field.Field{ID: "fldTitle", TableID: "tblB", Type: field.TypeSingleLineText, IsPrimary: true, DBFieldName: "title", DBFieldType: field.DBFieldTypeText, CellValueType: field.CellValueString},
		&field.Field{ID: "fldScore", TableID: "tblB", Type: field.TypeNumber, DBFieldName: "score", DBFieldType: field.DBFieldTypeReal, CellValueType: field.CellValueNumber},
		&field.Field{ID: "fldName", TableID: "tblA", Type: field.TypeSingleLineText, IsPrimary: true, DBFieldName: "name", DBFieldType: field.DBFieldTypeText, CellValueType: field.CellValueString},
		&field.Field{ID: "fldNum", TableID: "tblA", Type: field.TypeNumber, DBFieldName: "num", DBFieldType: field.DBFieldTypeReal, CellValueType: field.CellValueNumber},
	)
	var engineRegistry schema.Registry = registry
	if wrap != nil {
		engineRegistry = wrap(registry)
	}

	e, err := NewEngineWithOptions(gateway, engineRegistry, store, nil, nil)
	So(err, ShouldBeNil)
	e.WithLogger(logger.Nop{})

	fields := computedFields()
	junction := fields[0].Options.(*field.LinkOptions)
	for _, sql := range gateway.Dialect().CreateJunctionTable(junction.FkHostTableName, junction.SelfKeyName, junction.ForeignKeyName) {
		So(gateway.Exec(ctx, rdb.NewStatement(sql)), ShouldBeNil)
	}
	for _, f := range fields {
		_, err := e.OnFieldUpdated(ctx, f, nil)
		So(err, ShouldBeNil)
	}

	return &fixture{ctx: ctx, gateway: gateway, registry: registry, store: store, engine: e}
}

func (fx *fixture) field(id string) *field.Field {
	f, err := fx.registry.Field(fx.ctx, id)
	So(err, ShouldBeNil)
	return f
}

func (fx *fixture) value(table, column, recordID string) any {
	rows, err := fx.gateway.Query(fx.ctx, rdb.NewStatement(fmt.Sprintf(`SELECT %q AS v FROM %q WHERE "__id" = ?`, column, table), recordID))
	So(err, ShouldBeNil)
	So(rows, ShouldHaveLength, 1)
	return rows[0]["v"]
}

func TestNewEngineWithOptions(t *testing.T) {
	Convey("测试 NewEngineWithOptions", t, func() {
		gateway, err := rdb.NewSQLGatewayWithOptions(&rdb.SQLGatewayOptions{Driver: "sqlite3", DSN: ":memory:", MaxConns: 1})
		So(err, ShouldBeNil)
		defer gateway.Close()
		registry := schema.NewMapRegistry()
		store := reference.NewMapStore()

		Convey("默认配置", func() {
			e, err := NewEngineWithOptions(gateway, registry, store, nil, nil)
			So(err, ShouldBeNil)
			So(e.Resolver().MaxDepth(), ShouldEqual, 10)
			So(e.Materializer().LockPolicy().RowLockThreshold, ShouldEqual, 500)
			So(e.condition.Load().TimeZone, ShouldEqual, "UTC")
			So(e.name, ShouldEqual, "fieldflow")
			So(e.metrics, ShouldBeNil)
			So(e.tracer, ShouldBeNil)
		})

		Convey("指定配置", func() {
			e, err := NewEngineWithOptions(gateway, registry, store, nil, &Options{
				Resolver:      dependency.ResolverOptions{MaxDepth: 3},
				Lock:          rdb.LockPolicyOptions{RowLockThreshold: 20},
				Observability: ObservabilityOptions{EnableTracing: true, Name: "engine_options_test"},
			})
			So(err, ShouldBeNil)
			So(e.Resolver().MaxDepth(), ShouldEqual, 3)
			So(e.Materializer().LockPolicy().RowLockThreshold, ShouldEqual, 20)
			So(e.tracer, ShouldNotBeNil)
		})

		Convey("非法配置", func() {
			_, err := NewEngineWithOptions(gateway, registry, store, nil, &Options{Resolver: dependency.ResolverOptions{MaxDepth: -1}})
			So(err, ShouldNotBeNil)

			_, err = NewEngineWithOptions(nil, registry, store, nil, nil)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestReload(t *testing.T) {
	Convey("测试配置热更新", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		Convey("Reload", func() {
			So(e.Reload(&Options{
				Resolver:  dependency.ResolverOptions{MaxDepth: 4},
				Lock:      rdb.LockPolicyOptions{RowLockThreshold: 50},
				Condition: condition.BuilderOptions{TimeZone: "Asia/Shanghai"},
			}), ShouldBeNil)
			So(e.Resolver().MaxDepth(), ShouldEqual, 4)
			So(e.Materializer().LockPolicy().RowLockThreshold, ShouldEqual, 50)
			So(e.condition.Load().TimeZone, ShouldEqual, "Asia/Shanghai")

			So(e.Reload(&Options{Lock: rdb.LockPolicyOptions{RowLockThreshold: -1}}), ShouldNotBeNil)
			So(e.Materializer().LockPolicy().RowLockThreshold, ShouldEqual, 50)
			So(e.Reload(nil), ShouldNotBeNil)
		})

		Convey("从配置文件加载", func() {
			path := filepath.Join(t.TempDir(), "engine.yaml")
			So(os.WriteFile(path, []byte("resolver:\n  maxDepth: 3\nlock:\n  rowLockThreshold: 20\n"), 0644), ShouldBeNil)
			So(e.reloadFile(path), ShouldBeNil)
			So(e.Resolver().MaxDepth(), ShouldEqual, 3)
			So(e.Materializer().LockPolicy().RowLockThreshold, ShouldEqual, 20)

			So(e.reloadFile(filepath.Join(t.TempDir(), "missing.yaml")), ShouldNotBeNil)

			watcher, err := e.WatchConfig(path)
			So(err, ShouldBeNil)
			So(watcher.Path(), ShouldEqual, path)
			So(watcher.Close(), ShouldBeNil)
		})
	})
}

func TestUpdateRecord(t *testing.T) {
	Convey("测试 UpdateRecord", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		dependents, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{
			"fldName":  "A1",
			"fldNum":   3,
			"fldLinks": []string{"b1", "b2"},
		}, link.OpInsert)
		So(err, ShouldBeNil)
		So(dependents.IDs(), ShouldResemble, []string{"fldQuad", "fldDouble", "fldSum", "fldTitles"})

		Convey("插入记录后计算字段完成重算", func() {
			So(fx.value("bse_a", "name", "a1"), ShouldEqual, "A1")
			So(fx.value("bse_a", "double", "a1"), ShouldEqual, 6.0)
			So(fx.value("bse_a", "quad", "a1"), ShouldEqual, 12.0)
			So(fx.value("bse_a", "links", "a1"), ShouldEqual, `[{"id":"b1","title":"T1"},{"id":"b2","title":"T2"}]`)
			So(fx.value("bse_a", "titles", "a1"), ShouldEqual, `["T1","T2"]`)
			So(fx.value("bse_a", "sum_score", "a1"), ShouldEqual, 15.0)
		})

		Convey("只调整关联顺序时只刷新与顺序相关的字段", func() {
			dependents, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldLinks": []string{"b2", "b1"}}, link.OpUpdate)
			So(err, ShouldBeNil)
			So(dependents.IDs(), ShouldResemble, []string{"fldTitles"})
			So(fx.value("bse_a", "links", "a1"), ShouldEqual, `[{"id":"b2","title":"T2"},{"id":"b1","title":"T1"}]`)
			So(fx.value("bse_a", "titles", "a1"), ShouldEqual, `["T2","T1"]`)
		})

		Convey("修改关联记录", func() {
			dependents, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldLinks": []string{"b3"}}, link.OpUpdate)
			So(err, ShouldBeNil)
			So(dependents.IDs(), ShouldResemble, []string{"fldSum", "fldTitles"})
			So(fx.value("bse_a", "titles", "a1"), ShouldEqual, `["T3"]`)
			So(fx.value("bse_a", "sum_score", "a1"), ShouldEqual, 1.0)
		})

		Convey("外表记录变化刷新 rollup", func() {
			dependents, err := e.UpdateRecord(fx.ctx, "tblB", "b1", map[string]any{"fldScore": 20}, link.OpUpdate)
			So(err, ShouldBeNil)
			So(dependents.IDs(), ShouldResemble, []string{"fldSum"})
			So(fx.value("bse_a", "sum_score", "a1"), ShouldEqual, 25.0)
		})

		Convey("计算字段的取值被忽略", func() {
			_, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldDouble": 100}, link.OpUpdate)
			So(err, ShouldBeNil)
			So(fx.value("bse_a", "double", "a1"), ShouldEqual, 6.0)
		})

		Convey("非法写入", func() {
			_, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldMissing": 1}, link.OpUpdate)
			So(rdb.IsValidation(err), ShouldBeTrue)

			_, err = e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldScore": 1}, link.OpUpdate)
			So(rdb.IsValidation(err), ShouldBeTrue)

			_, err = e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldNum": "three"}, link.OpUpdate)
			So(rdb.IsValidation(err), ShouldBeTrue)
			So(fx.value("bse_a", "num", "a1"), ShouldEqual, 3.0)

			_, err = e.UpdateRecord(fx.ctx, "tblA", "a1", nil, link.OpDelete)
			So(rdb.IsValidation(err), ShouldBeTrue)
		})
	})
}

func TestCachedRegistryAndRedisStore(t *testing.T) {
	Convey("测试缓存注册表与 redis 引用图", t, func() {
		server := miniredis.RunT(t)
		store, err := reference.NewRedisStoreWithOptions(&reference.RedisStoreOptions{Endpoint: server.Addr()})
		So(err, ShouldBeNil)

		fx := newFixtureWith(func(inner *schema.MapRegistry) schema.Registry {
			cached, err := schema.NewCachedRegistryWithOptions(inner, nil)
			So(err, ShouldBeNil)
			return cached
		}, store)
		defer fx.gateway.Close()
		e := fx.engine

		edges, err := store.Incoming(fx.ctx, []string{"fldSum"})
		So(err, ShouldBeNil)
		So(reference.FromIDs(edges), ShouldResemble, []string{"fldLinks", "fldScore"})

		dependents, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{
			"fldNum":   3,
			"fldLinks": []string{"b1", "b2"},
		}, link.OpInsert)
		So(err, ShouldBeNil)
		So(dependents.IDs(), ShouldResemble, []string{"fldQuad", "fldDouble", "fldSum", "fldTitles"})
		So(fx.value("bse_a", "quad", "a1"), ShouldEqual, 12.0)
		So(fx.value("bse_a", "sum_score", "a1"), ShouldEqual, 15.0)

		Convey("修改公式后读到新的字段定义", func() {
			previous := fx.field("fldDouble")
			next := previous.Clone()
			next.Options = &field.FormulaOptions{Expression: "{fldNum} * 3"}
			_, err := e.OnFieldUpdated(fx.ctx, next, previous)
			So(err, ShouldBeNil)
			So(fx.value("bse_a", "quad", "a1"), ShouldEqual, 18.0)

			f, err := e.Registry().Field(fx.ctx, "fldDouble")
			So(err, ShouldBeNil)
			So(f.Version, ShouldEqual, 2)
		})
	})
}

func TestDeleteRecords(t *testing.T) {
	Convey("测试 DeleteRecords", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		_, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldNum": 3, "fldLinks": []string{"b1", "b2"}}, link.OpInsert)
		So(err, ShouldBeNil)

		Convey("删除外表记录后清理关联并刷新依赖字段", func() {
			dependents, err := e.DeleteRecords(fx.ctx, "tblB", []string{"b2"})
			So(err, ShouldBeNil)
			So(dependents.IDs(), ShouldResemble, []string{"fldSum", "fldTitles", "fldLinks"})
			So(fx.value("bse_a", "links", "a1"), ShouldEqual, `[{"id":"b1","title":"T1"}]`)
			So(fx.value("bse_a", "titles", "a1"), ShouldEqual, `["T1"]`)
			So(fx.value("bse_a", "sum_score", "a1"), ShouldEqual, 10.0)

			rows, err := fx.gateway.Query(fx.ctx, rdb.NewStatement(`SELECT "__id" FROM "bse_b" ORDER BY "__id"`))
			So(err, ShouldBeNil)
			So(rows, ShouldHaveLength, 2)
		})

		Convey("删除本表记录后清理关联存储", func() {
			_, err := e.DeleteRecords(fx.ctx, "tblA", []string{"a1"})
			So(err, ShouldBeNil)

			o, _ := fx.field("fldLinks").LinkOptions()
			rows, err := fx.gateway.Query(fx.ctx, rdb.NewStatement(fmt.Sprintf(`SELECT * FROM %q`, o.FkHostTableName)))
			So(err, ShouldBeNil)
			So(rows, ShouldBeEmpty)
		})

		Convey("空记录", func() {
			dependents, err := e.DeleteRecords(fx.ctx, "tblB", nil)
			So(err, ShouldBeNil)
			So(dependents, ShouldBeEmpty)
		})
	})
}

func TestOnFieldUpdated(t *testing.T) {
	Convey("测试 OnFieldUpdated", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		_, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldNum": 3}, link.OpInsert)
		So(err, ShouldBeNil)

		Convey("新建字段推导类型并建立引用", func() {
			double := fx.field("fldDouble")
			So(double.DBGenerated, ShouldBeTrue)
			So(double.CellValueType, ShouldEqual, field.CellValueNumber)
			So(double.DBFieldType, ShouldEqual, field.DBFieldTypeReal)
			So(double.Version, ShouldEqual, 1)

			titles := fx.field("fldTitles")
			So(titles.IsMultipleCellValue, ShouldBeTrue)
			So(titles.DBFieldType, ShouldEqual, field.DBFieldTypeJSON)

			edges, err := fx.store.Incoming(fx.ctx, []string{"fldSum"})
			So(err, ShouldBeNil)
			So(reference.FromIDs(edges), ShouldResemble, []string{"fldLinks", "fldScore"})
		})

		Convey("修改公式后重建依赖的生成列", func() {
			previous := fx.field("fldDouble")
			next := previous.Clone()
			next.Options = &field.FormulaOptions{Expression: "{fldNum} * 3"}

			result, err := e.OnFieldUpdated(fx.ctx, next, previous)
			So(err, ShouldBeNil)
			So(result.Field.Version, ShouldEqual, 2)
			So(result.Dependents.IDs(), ShouldResemble, []string{"fldQuad"})
			So(result.Restore.Restored, ShouldBeEmpty)

			So(fx.value("bse_a", "double", "a1"), ShouldEqual, 9.0)
			So(fx.value("bse_a", "quad", "a1"), ShouldEqual, 18.0)
			quad := fx.field("fldQuad")
			So(quad.DBGenerated, ShouldBeTrue)
			So(quad.Version, ShouldEqual, 2)
		})

		Convey("引用缺失的字段", func() {
			_, err := e.OnFieldUpdated(fx.ctx, formula("fldBad", "{fldMissing} + 1", "bad"), nil)
			So(rdb.IsValidation(err), ShouldBeTrue)

			_, err = e.OnFieldUpdated(fx.ctx, fx.field("fldDouble"), fx.field("fldQuad"))
			So(rdb.IsInvariant(err), ShouldBeTrue)
		})

		Convey("DefineReferences 替换引用边", func() {
			quad := fx.field("fldQuad")
			quad.Options = &field.FormulaOptions{Expression: "{fldNum} + {fldName}"}
			So(e.DefineReferences(fx.ctx, quad), ShouldBeNil)

			edges, err := fx.store.Incoming(fx.ctx, []string{"fldQuad"})
			So(err, ShouldBeNil)
			So(reference.FromIDs(edges), ShouldResemble, []string{"fldName", "fldNum"})
		})
	})
}

func TestFieldErrorLifecycle(t *testing.T) {
	Convey("测试字段删除与恢复", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		_, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldNum": 3}, link.OpInsert)
		So(err, ShouldBeNil)

		dependents, err := e.OnFieldsDeleted(fx.ctx, []string{"fldNum"})
		So(err, ShouldBeNil)
		So(dependents.IDs(), ShouldResemble, []string{"fldQuad", "fldDouble"})
		So(fx.field("fldDouble").HasError, ShouldBeTrue)
		So(fx.field("fldQuad").HasError, ShouldBeTrue)
		So(fx.field("fldDouble").DBGenerated, ShouldBeFalse)

		Convey("引用的字段恢复后重建", func() {
			report, err := e.RecreateDependentComputedColumns(fx.ctx, "tblA", []string{"fldNum"})
			So(err, ShouldBeNil)
			So(report.Err(), ShouldBeNil)
			So(report.Restored, ShouldResemble, []string{"fldDouble", "fldQuad"})
			So(fx.field("fldQuad").HasError, ShouldBeFalse)
			So(fx.value("bse_a", "quad", "a1"), ShouldEqual, 12.0)
		})

		Convey("MarkError 只写入状态变化的字段", func() {
			changed, err := e.MarkError(fx.ctx, "tblA", []string{"fldDouble", "fldSum"}, true)
			So(err, ShouldBeNil)
			So(field.IDs(changed), ShouldResemble, []string{"fldSum"})
		})
	})
}

func TestOnSymmetricFieldDeleted(t *testing.T) {
	Convey("测试 OnSymmetricFieldDeleted", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		demotion, err := e.OnSymmetricFieldDeleted(fx.ctx, fx.field("fldLinks"))
		So(err, ShouldBeNil)
		So(demotion.Statements, ShouldBeEmpty)
		So(demotion.DegradedFieldIDs, ShouldBeEmpty)

		_, err = e.OnSymmetricFieldDeleted(fx.ctx, fx.field("fldSum"))
		So(rdb.IsInvariant(err), ShouldBeTrue)

		_, err = e.OnLookupTargetRemoved(fx.ctx, "fldSum")
		So(rdb.IsInvariant(err), ShouldBeTrue)
	})
}

func TestBuildConditionExpression(t *testing.T) {
	Convey("测试 BuildConditionExpression", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine

		filter := &condition.Filter{Conjunction: condition.And, Items: []condition.Node{
			&condition.Item{FieldID: "fldScore", Operator: condition.IsGreater, Value: 4},
		}}
		sql, args, err := e.BuildConditionExpression(fx.ctx, "tblB", filter, "")
		So(err, ShouldBeNil)
		So(sql, ShouldContainSubstring, `"bse_b"."score"`)

		rows, err := fx.gateway.Query(fx.ctx, rdb.NewStatement(`SELECT "__id" FROM "bse_b" WHERE `+sql+` ORDER BY "__id"`, args...))
		So(err, ShouldBeNil)
		So(rows, ShouldHaveLength, 2)
		So(rows[0].Text("__id"), ShouldEqual, "b1")
		So(rows[1].Text("__id"), ShouldEqual, "b2")

		_, _, err = e.BuildConditionExpression(fx.ctx, "tblB", &condition.Filter{Conjunction: condition.And, Items: []condition.Node{
			&condition.Item{FieldID: "fldScore", Operator: condition.Contains, Value: "x"},
		}}, "t")
		So(rdb.IsValidation(err), ShouldBeTrue)
	})
}

func TestObservability(t *testing.T) {
	Convey("测试指标与追踪", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()
		e := fx.engine.WithMetrics(prometheus.NewRegistry()).WithTracer(noop.NewTracerProvider().Tracer("engine_test"))

		_, err := e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldNum": 3}, link.OpInsert)
		So(err, ShouldBeNil)
		_, err = e.UpdateRecord(fx.ctx, "tblA", "a1", map[string]any{"fldMissing": 3}, link.OpUpdate)
		So(err, ShouldNotBeNil)

		So(testutil.ToFloat64(e.metrics.operationCounter.WithLabelValues("update_record", "success")), ShouldEqual, 1)
		So(testutil.ToFloat64(e.metrics.operationCounter.WithLabelValues("update_record", "error")), ShouldEqual, 1)
		So(testutil.ToFloat64(e.metrics.cascadeFields.WithLabelValues("tblA")), ShouldEqual, 2)

		change, err := e.CollectLinkChange(fx.field("fldLinks"), []string{"b1"}, []string{"b1", "b2"})
		So(err, ShouldBeNil)
		So(change.Type, ShouldEqual, link.ChangeAdd)

		plan, err := e.PlanLinkMutation(fx.ctx, fx.field("fldLinks"), link.OpDelete, &link.MutationContext{RecordID: "a1"})
		So(err, ShouldBeNil)
		So(plan.FollowUp, ShouldNotBeEmpty)

		resolved, err := e.ResolveDependents(fx.ctx, []string{"fldNum"}, dependency.FormulaOnly())
		So(err, ShouldBeNil)
		So(resolved.IDs(), ShouldResemble, []string{"fldQuad", "fldDouble"})
	})
}

func TestTwoWayLinkDependents(t *testing.T) {
	Convey("双向关联对的下游按输入在前排序", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()

		forward := &field.LinkOptions{Relationship: field.ManyMany, ForeignTableID: "tblB", LookupFieldID: "fldTitle", SymmetricFieldID: "fldS"}
		link.DeriveKeys("fldF", "fldS", "bse_a", "bse_b", field.ManyMany, false).Apply(forward)
		backward, err := link.MirrorOptions(&field.Field{ID: "fldF", TableID: "tblA", Type: field.TypeLink, Options: forward}, "fldName")
		So(err, ShouldBeNil)

		fields := []*field.Field{
			{ID: "fldF", TableID: "tblA", Type: field.TypeLink, Options: forward, DBFieldName: "f", DBFieldType: field.DBFieldTypeJSON, IsMultipleCellValue: true},
			{ID: "fldS", TableID: "tblB", Type: field.TypeLink, Options: backward, DBFieldName: "s", DBFieldType: field.DBFieldTypeJSON, IsMultipleCellValue: true},
			{ID: "fldL", TableID: "tblA", Type: field.TypeSingleLineText, IsLookup: true, IsComputed: true, LookupOptions: lookupOf("fldF", "fldTitle"), DBFieldName: "l"},
			formula("fldX", "{fldL}", "x"),
			formula("fldY", "{fldX}", "y"),
		}
		fx.registry.AddFields(fields...)
		for _, f := range fields {
			So(fx.engine.DefineReferences(fx.ctx, f), ShouldBeNil)
		}

		positions := func(seed string) (map[string]int, map[string]int) {
			ds, err := fx.engine.Resolver().ResolveDependents(fx.ctx, []string{seed})
			So(err, ShouldBeNil)
			levels, order := map[string]int{}, map[string]int{}
			for i, id := range ds.ShallowFirst().IDs() {
				order[id] = i
			}
			for _, d := range ds {
				levels[d.FieldID] = d.Level
			}
			return levels, order
		}

		Convey("从表 B 的主字段出发", func() {
			levels, order := positions("fldTitle")
			So(levels["fldF"], ShouldEqual, 1)
			So(levels["fldS"], ShouldEqual, 2)
			So(levels["fldL"], ShouldEqual, 2)
			So(levels["fldX"], ShouldEqual, 3)
			So(levels["fldY"], ShouldEqual, 4)
			So(order["fldF"], ShouldBeLessThan, order["fldS"])
			So(order["fldF"], ShouldBeLessThan, order["fldL"])
			So(order["fldL"], ShouldBeLessThan, order["fldX"])
			So(order["fldX"], ShouldBeLessThan, order["fldY"])
		})

		Convey("从表 A 的主字段出发", func() {
			levels, order := positions("fldName")
			So(levels["fldS"], ShouldEqual, 1)
			So(levels["fldF"], ShouldEqual, 2)
			So(levels["fldL"], ShouldEqual, 3)
			So(levels["fldY"], ShouldEqual, 5)
			So(order["fldS"], ShouldBeLessThan, order["fldF"])
			So(order["fldF"], ShouldBeLessThan, order["fldL"])
		})
	})
}
