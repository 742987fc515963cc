package aggregation

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/fieldflow/rdb"
)

func TestMetricAggregation(t *testing.T) {
	Convey("TestMetricAggregation", t, func() {
		d := rdb.SQLite{}

		Convey("sum", func() {
			agg := &SumAggregation{MetricAggregation: MetricAggregation{Field: "t.v"}}
			sql, err := agg.ToSQL(d)
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "COALESCE(SUM(t.v), 0)")
			So(agg.Type(), ShouldEqual, AggTypeSum)
		})

		Convey("avg max min", func() {
			metric := MetricAggregation{Field: "t.v"}
			sql, err := (&AvgAggregation{MetricAggregation: metric}).ToSQL(d)
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "AVG(t.v)")
			sql, err = (&MaxAggregation{MetricAggregation: metric}).ToSQL(d)
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "MAX(t.v)")
			sql, err = (&MinAggregation{MetricAggregation: metric}).ToSQL(d)
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "MIN(t.v)")
		})

		Convey("alias", func() {
			agg := &MaxAggregation{MetricAggregation: MetricAggregation{AggName: "top", Field: "score"}}
			sql, err := agg.ToSQL(d)
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "MAX(score) AS top")
			So(agg.Name(), ShouldEqual, "top")
		})

		Convey("empty field", func() {
			_, err := (&SumAggregation{}).ToSQL(d)
			So(rdb.IsValidation(err), ShouldBeTrue)
			_, err = (&AvgAggregation{}).ToSQL(d)
			So(rdb.IsValidation(err), ShouldBeTrue)
		})
	})
}

func TestCountAggregation(t *testing.T) {
	Convey("TestCountAggregation", t, func() {
		d := rdb.SQLite{}

		sql, err := (&CountAggregation{}).ToSQL(d)
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "COUNT(*)")

		sql, err = (&CountAggregation{MetricAggregation: MetricAggregation{Field: "t.v"}}).ToSQL(d)
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "COUNT(t.v)")

		sql, err = (&CountAggregation{MetricAggregation: MetricAggregation{Field: "t.v"}, Distinct: true}).ToSQL(d)
		So(err, ShouldBeNil)
		So(sql, ShouldEqual, "COUNT(DISTINCT t.v)")

		_, err = (&CountAggregation{Distinct: true}).ToSQL(d)
		So(rdb.IsValidation(err), ShouldBeTrue)
	})
}

func TestBoolAggregation(t *testing.T) {
	Convey("TestBoolAggregation", t, func() {
		d := rdb.SQLite{}
		metric := MetricAggregation{Field: "t.v"}

		for _, c := range []struct {
			op   AggregationType
			want string
		}{
			{AggTypeAnd, "MIN(CASE WHEN t.v THEN 1 ELSE 0 END) = 1"},
			{AggTypeOr, "MAX(CASE WHEN t.v THEN 1 ELSE 0 END) = 1"},
			{AggTypeXor, "SUM(CASE WHEN t.v THEN 1 ELSE 0 END) % 2 = 1"},
		} {
			agg := &BoolAggregation{MetricAggregation: metric, Op: c.op}
			sql, err := agg.ToSQL(d)
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, c.want)
			So(agg.Type(), ShouldEqual, c.op)
		}

		_, err := (&BoolAggregation{MetricAggregation: metric, Op: AggTypeSum}).ToSQL(d)
		So(rdb.IsValidation(err), ShouldBeTrue)
	})
}

func TestListAggregation(t *testing.T) {
	Convey("TestListAggregation", t, func() {
		metric := MetricAggregation{Field: "t.v"}

		Convey("concat", func() {
			agg := &ConcatAggregation{MetricAggregation: metric, Separator: ", ", OrderBy: "t.o"}
			sql, err := agg.ToSQL(rdb.SQLite{})
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "group_concat(t.v, ', ')")

			sql, err = agg.ToSQL(rdb.Postgres{})
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "string_agg((t.v)::text, ', ' ORDER BY t.o)")
		})

		Convey("json list", func() {
			agg := &JSONListAggregation{MetricAggregation: metric, OrderBy: "t.o"}
			sql, err := agg.ToSQL(rdb.SQLite{})
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "CASE WHEN COUNT(*) = 0 THEN NULL ELSE json_group_array(t.v) END")

			sql, err = agg.ToSQL(rdb.Postgres{})
			So(err, ShouldBeNil)
			So(sql, ShouldEqual, "CASE WHEN COUNT(*) = 0 THEN NULL ELSE jsonb_agg(t.v ORDER BY t.o) END")
			So(agg.Type(), ShouldEqual, AggTypeJSONList)
		})

		Convey("empty field", func() {
			_, err := (&ConcatAggregation{}).ToSQL(rdb.SQLite{})
			So(rdb.IsValidation(err), ShouldBeTrue)
			_, err = (&JSONListAggregation{}).ToSQL(rdb.SQLite{})
			So(rdb.IsValidation(err), ShouldBeTrue)
		})
	})
}
