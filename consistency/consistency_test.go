package consistency

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/link"
	"github.com/hatlonely/fieldflow/materialize"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

type fixture struct {
	ctx      context.Context
	gateway  *rdb.SQLGateway
	registry *schema.MapRegistry
	store    *reference.MapStore
	manager  *Manager
}

func formula(id, expression, column string) *field.Field {
	return &field.Field{
		ID: id, TableID: "tblT", Type: field.TypeFormula, IsComputed: true,
		Options:     &field.FormulaOptions{Expression: expression},
		DBFieldName: column, DBFieldType: field.DBFieldTypeText, CellValueType: field.CellValueString,
	}
}

// newFixture A -> B -> C，D -> C，B 和 C 为生成列
func newFixture() *fixture {
	ctx := context.Background()
	gateway, err := rdb.NewSQLGatewayWithOptions(&rdb.SQLGatewayOptions{Driver: "sqlite3", DSN: ":memory:", MaxConns: 1})
	So(err, ShouldBeNil)
	So(gateway.Exec(ctx,
		rdb.NewStatement(`CREATE TABLE "bse_t" ("__id" TEXT PRIMARY KEY, "a" TEXT, "d" TEXT, "f" TEXT, "l" TEXT, "lk" TEXT)`),
		rdb.NewStatement(`INSERT INTO "bse_t" ("__id", "a") VALUES ('t1', 'x')`),
	), ShouldBeNil)

	registry := schema.NewMapRegistry()
	registry.AddTables(
		&schema.Table{ID: "tblT", Name: "T", DBTableName: "bse_t"},
		&schema.Table{ID: "tblO", Name: "O", DBTableName: "bse_o"},
	)
	registry.AddFields(
		&field.Field{ID: "fldA", TableID: "tblT", Type: field.TypeSingleLineText, DBFieldName: "a", DBFieldType: field.DBFieldTypeText, CellValueType: field.CellValueString},
		&field.Field{ID: "fldD", TableID: "tblT", Type: field.TypeSingleLineText, DBFieldName: "d", DBFieldType: field.DBFieldTypeText, CellValueType: field.CellValueString},
		&field.Field{ID: "fldX", TableID: "tblO", Type: field.TypeSingleLineText, DBFieldName: "x", DBFieldType: field.DBFieldTypeText, CellValueType: field.CellValueString},
	)
	store := reference.NewMapStore()
	So(store.Add(ctx,
		reference.Edge{FromFieldID: "fldA", ToFieldID: "fldB"},
		reference.Edge{FromFieldID: "fldB", ToFieldID: "fldC"},
		reference.Edge{FromFieldID: "fldD", ToFieldID: "fldC"},
	), ShouldBeNil)

	d := gateway.Dialect()
	compiler := &materialize.SystemCompiler{Dialect: d, Next: &materialize.TemplateCompiler{Dialect: d, Registry: registry}}
	materializer := materialize.NewMaterializer(gateway, registry, link.NewManager(gateway, registry, store), compiler, nil)
	resolver := dependency.NewResolverWithOptions(store, registry, nil)

	for _, f := range []*field.Field{
		formula("fldB", "{fldA} || 'b'", "b"),
		formula("fldC", "{fldB} || 'c' || COALESCE({fldD}, '')", "c"),
	} {
		registry.AddFields(f)
		stmts, err := materializer.PlanSchemaChange(ctx, f, nil)
		So(err, ShouldBeNil)
		So(gateway.Exec(ctx, stmts...), ShouldBeNil)
		So(f.DBGenerated, ShouldBeTrue)
		registry.AddFields(f)
	}

	return &fixture{
		ctx:      ctx,
		gateway:  gateway,
		registry: registry,
		store:    store,
		manager:  NewManager(gateway, registry, store, resolver, materializer),
	}
}

func (fx *fixture) field(id string) *field.Field {
	f, err := fx.registry.Field(fx.ctx, id)
	So(err, ShouldBeNil)
	return f
}

func (fx *fixture) setDeleted(id string, deleted bool) {
	f := fx.field(id)
	f.DeletedTime = nil
	if deleted {
		now := time.Now()
		f.DeletedTime = &now
	}
	So(fx.registry.SaveFields(fx.ctx, f), ShouldBeNil)
}

func (fx *fixture) value(column string) any {
	rows, err := fx.gateway.Query(fx.ctx, rdb.NewStatement(`SELECT "`+column+`" AS v FROM "bse_t" WHERE "__id" = 't1'`))
	So(err, ShouldBeNil)
	So(len(rows), ShouldEqual, 1)
	return rows[0]["v"]
}

func TestMarkError(t *testing.T) {
	Convey("测试 MarkError", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()

		changed, err := fx.manager.MarkError(fx.ctx, "tblT", []string{"fldB", "fldC", "fldX"}, true)
		So(err, ShouldBeNil)
		So(field.IDs(changed), ShouldResemble, []string{"fldB", "fldC"})
		So(fx.field("fldB").HasError, ShouldBeTrue)
		So(fx.field("fldB").Version, ShouldEqual, 1)
		So(fx.field("fldX").HasError, ShouldBeFalse)

		// 状态没有变化时不写入
		changed, err = fx.manager.MarkError(fx.ctx, "tblT", []string{"fldB"}, true)
		So(err, ShouldBeNil)
		So(changed, ShouldBeEmpty)
		So(fx.field("fldB").Version, ShouldEqual, 1)

		changed, err = fx.manager.MarkError(fx.ctx, "tblT", []string{"fldB"}, false)
		So(err, ShouldBeNil)
		So(len(changed), ShouldEqual, 1)
		So(fx.field("fldB").Version, ShouldEqual, 2)
	})
}

func TestOnFieldsDeleted(t *testing.T) {
	Convey("删除字段后依赖字段传递进入错误状态", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()

		fx.setDeleted("fldA", true)
		dependents, err := fx.manager.OnFieldsDeleted(fx.ctx, []string{"fldA"})
		So(err, ShouldBeNil)
		So(dependents.IDs(), ShouldResemble, []string{"fldC", "fldB"})

		for _, id := range []string{"fldB", "fldC"} {
			f := fx.field(id)
			So(f.HasError, ShouldBeTrue)
			So(f.Version, ShouldEqual, 1)
			So(f.DBGenerated, ShouldBeFalse)
		}
		So(fx.value("b"), ShouldBeNil)

		// 生成列已经解除，上游列可以删除
		So(fx.gateway.Exec(fx.ctx, rdb.NewStatement(`ALTER TABLE "bse_t" DROP COLUMN "a"`)), ShouldBeNil)

		edges, err := fx.store.Outgoing(fx.ctx, []string{"fldA"})
		So(err, ShouldBeNil)
		So(edges, ShouldResemble, []reference.Edge{{FromFieldID: "fldA", ToFieldID: "fldB"}})
	})
}

func TestRecreateDependentComputedColumns(t *testing.T) {
	Convey("测试恢复", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()

		fx.setDeleted("fldA", true)
		_, err := fx.manager.OnFieldsDeleted(fx.ctx, []string{"fldA"})
		So(err, ShouldBeNil)

		Convey("依赖齐全时全部恢复并重建生成列", func() {
			fx.setDeleted("fldA", false)
			report, err := fx.manager.RecreateDependentComputedColumns(fx.ctx, "tblT", []string{"fldA"})
			So(err, ShouldBeNil)
			So(report.Err(), ShouldBeNil)
			So(report.Restored, ShouldResemble, []string{"fldB", "fldC"})

			for _, id := range []string{"fldB", "fldC"} {
				f := fx.field(id)
				So(f.HasError, ShouldBeFalse)
				So(f.Version, ShouldEqual, 2)
				So(f.DBGenerated, ShouldBeTrue)
			}
			So(fx.value("b"), ShouldEqual, "xb")
			So(fx.value("c"), ShouldEqual, "xbc")
		})

		Convey("恢复范围不受 tableID 限制", func() {
			fx.setDeleted("fldA", false)
			report, err := fx.manager.RecreateDependentComputedColumns(fx.ctx, "tblO", []string{"fldA"})
			So(err, ShouldBeNil)
			So(report.Restored, ShouldResemble, []string{"fldB", "fldC"})
			So(fx.field("fldC").HasError, ShouldBeFalse)
		})

		Convey("其他依赖仍缺失的字段保持错误", func() {
			fx.setDeleted("fldD", true)
			_, err := fx.manager.OnFieldsDeleted(fx.ctx, []string{"fldD"})
			So(err, ShouldBeNil)

			fx.setDeleted("fldA", false)
			report, err := fx.manager.RecreateDependentComputedColumns(fx.ctx, "tblT", []string{"fldA"})
			So(err, ShouldBeNil)
			So(report.Restored, ShouldResemble, []string{"fldB"})
			So(report.Skipped, ShouldResemble, []string{"fldC"})
			So(fx.field("fldB").HasError, ShouldBeFalse)
			So(fx.field("fldC").HasError, ShouldBeTrue)
			So(fx.value("c"), ShouldBeNil)
		})

		Convey("单个字段失败不影响其他字段", func() {
			fx.registry.AddFields(formula("fldF", "{fldA} || {fldX}", "f"))
			So(fx.store.Add(fx.ctx, reference.Edge{FromFieldID: "fldA", ToFieldID: "fldF"}), ShouldBeNil)
			_, err := fx.manager.MarkError(fx.ctx, "tblT", []string{"fldF"}, true)
			So(err, ShouldBeNil)

			fx.setDeleted("fldA", false)
			report, err := fx.manager.RecreateDependentComputedColumns(fx.ctx, "tblT", []string{"fldA"})
			So(err, ShouldBeNil)
			So(report.Restored, ShouldResemble, []string{"fldB", "fldC"})
			So(report.Failed, ShouldResemble, []string{"fldF"})
			So(report.Err(), ShouldNotBeNil)
			So(rdb.IsValidation(report.Err()), ShouldBeTrue)

			f := fx.field("fldF")
			So(f.HasError, ShouldBeTrue)
			So(f.Version, ShouldEqual, 1)
		})
	})
}

func TestOnLookupTargetRemoved(t *testing.T) {
	Convey("关联字段的标题字段被删除", t, func() {
		fx := newFixture()
		defer fx.gateway.Close()

		fx.registry.AddFields(
			&field.Field{
				ID: "fldL", TableID: "tblT", Type: field.TypeLink, DBFieldName: "l", DBFieldType: field.DBFieldTypeJSON,
				Options: &field.LinkOptions{Relationship: field.ManyOne, ForeignTableID: "tblO", LookupFieldID: "fldX", IsOneWay: true},
			},
			&field.Field{
				ID: "fldLk", TableID: "tblT", Type: field.TypeSingleLineText, IsLookup: true, IsComputed: true, DBFieldName: "lk",
				LookupOptions: &field.LookupOptions{LinkFieldID: "fldL", ForeignTableID: "tblO", LookupFieldID: "fldX"},
			},
		)
		So(fx.store.Add(fx.ctx,
			reference.Edge{FromFieldID: "fldX", ToFieldID: "fldL"},
			reference.Edge{FromFieldID: "fldX", ToFieldID: "fldLk"},
			reference.Edge{FromFieldID: "fldL", ToFieldID: "fldLk"},
		), ShouldBeNil)

		dependents, err := fx.manager.OnLookupTargetRemoved(fx.ctx, "fldL")
		So(err, ShouldBeNil)
		So(dependents.IDs(), ShouldResemble, []string{"fldLk"})
		So(fx.field("fldL").HasError, ShouldBeTrue)
		So(fx.field("fldLk").HasError, ShouldBeTrue)

		edges, err := fx.store.Outgoing(fx.ctx, []string{"fldX"})
		So(err, ShouldBeNil)
		So(edges, ShouldResemble, []reference.Edge{{FromFieldID: "fldX", ToFieldID: "fldLk"}})

		_, err = fx.manager.OnLookupTargetRemoved(fx.ctx, "fldB")
		So(rdb.IsInvariant(err), ShouldBeTrue)
	})
}
