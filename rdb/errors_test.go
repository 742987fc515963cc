package rdb

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestTranslateError(t *testing.T) {
	Convey("测试 TranslateError", t, func() {
		Convey("nil", func() {
			So(TranslateError(nil), ShouldBeNil)
		})

		Convey("postgres SQLSTATE", func() {
			err := TranslateError(errors.Wrap(&pq.Error{Code: "23502", Table: "tbl", Column: "name"}, "exec"))
			var ce *ConstraintError
			So(errors.As(err, &ce), ShouldBeTrue)
			So(ce.Kind, ShouldEqual, ConstraintNotNull)
			So(ce.Table, ShouldEqual, "tbl")
			So(ce.Column, ShouldEqual, "name")
		})

		Convey("mysql 错误码", func() {
			err := TranslateError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'a' for key 'tbl.name'"})
			var ce *ConstraintError
			So(errors.As(err, &ce), ShouldBeTrue)
			So(ce.Kind, ShouldEqual, ConstraintUnique)
			So(ce.Table, ShouldEqual, "tbl")
			So(ce.Column, ShouldEqual, "name")

			err = TranslateError(&mysql.MySQLError{Number: 1048, Message: "Column 'name' cannot be null"})
			So(errors.As(err, &ce), ShouldBeTrue)
			So(ce.Kind, ShouldEqual, ConstraintNotNull)
			So(ce.Column, ShouldEqual, "name")
		})

		Convey("字符串兜底", func() {
			err := TranslateError(errors.New("CHECK constraint failed: tbl.age"))
			So(IsConstraint(err), ShouldBeTrue)
		})

		Convey("非约束错误原样返回", func() {
			origin := errors.New("connection refused")
			So(TranslateError(origin), ShouldEqual, origin)
		})
	})
}

func TestErrorTaxonomy(t *testing.T) {
	Convey("测试错误分类", t, func() {
		err := errors.WithMessage(NewValidationError("operator %s not supported", "isWithIn"), "build condition")
		So(IsValidation(err), ShouldBeTrue)
		So(IsInvariant(err), ShouldBeFalse)
		So(err.Error(), ShouldContainSubstring, "operator isWithIn not supported")

		So(IsInvariant(NewInvariantError("link field %s has no db field name", "fldA")), ShouldBeTrue)
	})
}
