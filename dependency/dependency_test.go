package dependency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

type fixture struct {
	store    *reference.MapStore
	registry *schema.MapRegistry
	resolver *Resolver
}

func newFixture() *fixture {
	store := reference.NewMapStore()
	registry := schema.NewMapRegistry()
	return &fixture{
		store:    store,
		registry: registry,
		resolver: NewResolverWithOptions(store, registry, &ResolverOptions{MaxDepth: 10}),
	}
}

func (fx *fixture) text(id string) {
	fx.registry.AddFields(&field.Field{ID: id, TableID: "tblA", Type: field.TypeSingleLineText})
}

func (fx *fixture) formula(id string, refs ...string) {
	fx.registry.AddFields(&field.Field{ID: id, TableID: "tblA", Type: field.TypeFormula, IsComputed: true})
	for _, ref := range refs {
		So(fx.store.Add(context.Background(), reference.Edge{FromFieldID: ref, ToFieldID: id}), ShouldBeNil)
	}
}

func TestResolveDependents(t *testing.T) {
	Convey("测试 ResolveDependents", t, func() {
		ctx := context.Background()
		fx := newFixture()

		Convey("A -> B -> C", func() {
			fx.text("A")
			fx.formula("B", "A")
			fx.formula("C", "B")

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"C", "tblA", 2}, {"B", "tblA", 1}}, ds), ShouldBeEmpty)
			So(ds.ShallowFirst().IDs(), ShouldResemble, []string{"B", "C"})
		})

		Convey("层级取最长路径", func() {
			fx.text("A")
			fx.formula("B", "A")
			fx.formula("C", "A", "B")

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"C", "tblA", 2}, {"B", "tblA", 1}}, ds), ShouldBeEmpty)
		})

		Convey("多个种子取最大层级", func() {
			fx.text("A")
			fx.text("D")
			fx.formula("B", "A")
			fx.formula("E", "B", "D")

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A", "D"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"E", "tblA", 2}, {"B", "tblA", 1}}, ds), ShouldBeEmpty)

			ds, err = fx.resolver.ResolveDependents(ctx, []string{"D"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"E", "tblA", 1}}, ds), ShouldBeEmpty)
		})

		Convey("同层按 id 排序", func() {
			fx.text("A")
			fx.formula("Z", "A")
			fx.formula("M", "A")
			fx.formula("B", "A")

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(ds.IDs(), ShouldResemble, []string{"B", "M", "Z"})
		})

		Convey("12 层链只返回 10 层", func() {
			fx.text("F00")
			for i := 1; i <= 12; i++ {
				fx.formula(fmt.Sprintf("F%02d", i), fmt.Sprintf("F%02d", i-1))
			}

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"F00"})
			So(err, ShouldBeNil)
			So(len(ds), ShouldEqual, 10)
			So(ds[0], ShouldResemble, Dependent{FieldID: "F10", TableID: "tblA", Level: 10})
			So(ds[9], ShouldResemble, Dependent{FieldID: "F01", TableID: "tblA", Level: 1})

			ds, err = fx.resolver.ResolveDependents(ctx, []string{"F00"}, WithMaxDepth(3))
			So(err, ShouldBeNil)
			So(ds.IDs(), ShouldResemble, []string{"F03", "F02", "F01"})

			fx.resolver.SetMaxDepth(12)
			ds, err = fx.resolver.ResolveDependents(ctx, []string{"F00"})
			So(err, ShouldBeNil)
			So(len(ds), ShouldEqual, 12)
		})

		Convey("指回种子的边不抬高层级", func() {
			fx.formula("A")
			fx.formula("B", "A")
			So(fx.store.Add(ctx, reference.Edge{FromFieldID: "B", ToFieldID: "A"}), ShouldBeNil)

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"B", "tblA", 1}}, ds), ShouldBeEmpty)
		})

		Convey("双向关联对上的依赖按路径排序", func() {
			// T 的下游为关联对 F <-> S，查找 L 同时依赖 T 和 F
			fx.text("T")
			fx.formula("F", "T")
			fx.formula("S", "F")
			So(fx.store.Add(ctx, reference.Edge{FromFieldID: "S", ToFieldID: "F"}), ShouldBeNil)
			fx.formula("L", "T", "F")
			fx.formula("X", "L")
			fx.formula("Y", "X")

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"T"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"Y", "tblA", 4}, {"X", "tblA", 3}, {"L", "tblA", 2}, {"S", "tblA", 2}, {"F", "tblA", 1}}, ds), ShouldBeEmpty)
			So(ds.ShallowFirst().IDs(), ShouldResemble, []string{"F", "L", "S", "X", "Y"})
		})

		Convey("过滤与软删除", func() {
			deleted := time.Now()
			fx.text("A")
			fx.formula("B", "A")
			fx.registry.AddFields(&field.Field{ID: "R", TableID: "tblB", Type: field.TypeRollup, IsComputed: true})
			fx.registry.AddFields(&field.Field{ID: "L", TableID: "tblB", Type: field.TypeLongText})
			fx.registry.AddFields(&field.Field{ID: "X", TableID: "tblA", Type: field.TypeFormula, DeletedTime: &deleted})
			So(fx.store.Add(ctx,
				reference.Edge{FromFieldID: "A", ToFieldID: "R"},
				reference.Edge{FromFieldID: "A", ToFieldID: "L"},
				reference.Edge{FromFieldID: "A", ToFieldID: "X"},
			), ShouldBeNil)

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(ds.IDs(), ShouldResemble, []string{"B", "L", "R"})

			ds, err = fx.resolver.ResolveDependents(ctx, []string{"A"}, FormulaOnly())
			So(err, ShouldBeNil)
			So(ds.IDs(), ShouldResemble, []string{"B"})

			ds, err = fx.resolver.ResolveDependents(ctx, []string{"A"}, Computed())
			So(err, ShouldBeNil)
			So(ds.IDs(), ShouldResemble, []string{"B", "R"})

			ds, err = fx.resolver.ResolveDependents(ctx, []string{"A"}, Computed(), OfKinds(field.KindRollup))
			So(err, ShouldBeNil)
			So(ds.IDs(), ShouldResemble, []string{"R"})
			So(ds.ByTable()["tblB"].IDs(), ShouldResemble, []string{"R"})
		})

		Convey("注册表缺失的字段", func() {
			fx.text("A")
			fx.registry.AddFields(&field.Field{ID: "P", Type: field.TypeFormula})
			So(fx.store.Add(ctx,
				reference.Edge{FromFieldID: "A", ToFieldID: "P"},
				reference.Edge{FromFieldID: "A", ToFieldID: "Q"},
			), ShouldBeNil)

			ds, err := fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"P", "", 1}, {"Q", "", 1}}, ds), ShouldBeEmpty)

			ds, err = fx.resolver.ResolveDependents(ctx, []string{"A"}, FormulaOnly())
			So(err, ShouldBeNil)
			So(cmp.Diff(Dependents{{"P", "", 1}}, ds), ShouldBeEmpty)
		})

		Convey("空种子或没有出边", func() {
			ds, err := fx.resolver.ResolveDependents(ctx, nil)
			So(err, ShouldBeNil)
			So(ds, ShouldBeEmpty)

			fx.text("A")
			ds, err = fx.resolver.ResolveDependents(ctx, []string{"A"})
			So(err, ShouldBeNil)
			So(ds, ShouldBeEmpty)
		})
	})
}

func TestGraphLevels(t *testing.T) {
	Convey("测试 Graph.Levels", t, func() {
		g := NewGraph([]reference.Edge{
			{FromFieldID: "A", ToFieldID: "B"},
			{FromFieldID: "B", ToFieldID: "C"},
			{FromFieldID: "A", ToFieldID: "C"},
			{FromFieldID: "C", ToFieldID: "D"},
		})
		So(g.Levels([]string{"A"}, 10), ShouldResemble, map[string]int{"A": 0, "B": 1, "C": 2, "D": 3})
		So(g.Levels([]string{"A"}, 2), ShouldResemble, map[string]int{"A": 0, "B": 1, "C": 2})
		So(g.Successors("A"), ShouldResemble, []string{"B", "C"})

		Convey("环上的回边不参与计算", func() {
			g := NewGraph([]reference.Edge{
				{FromFieldID: "T", ToFieldID: "F"},
				{FromFieldID: "F", ToFieldID: "S"},
				{FromFieldID: "S", ToFieldID: "F"},
				{FromFieldID: "F", ToFieldID: "L"},
				{FromFieldID: "L", ToFieldID: "X"},
				{FromFieldID: "X", ToFieldID: "Y"},
			})
			So(g.Levels([]string{"T"}, 10), ShouldResemble, map[string]int{"T": 0, "F": 1, "S": 2, "L": 2, "X": 3, "Y": 4})

			g = NewGraph([]reference.Edge{
				{FromFieldID: "A", ToFieldID: "B"},
				{FromFieldID: "B", ToFieldID: "C"},
				{FromFieldID: "C", ToFieldID: "A"},
			})
			So(g.Levels([]string{"A"}, 10), ShouldResemble, map[string]int{"A": 0, "B": 1, "C": 2})
		})
	})
}
