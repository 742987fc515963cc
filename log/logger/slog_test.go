package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type bufferWriter struct {
	bytes.Buffer
}

func (b *bufferWriter) Close() error { return nil }

func TestNewSLogWithOptions(t *testing.T) {
	Convey("测试 NewSLogWithOptions", t, func() {
		Convey("nil options", func() {
			_, err := NewSLogWithOptions(nil)
			So(err, ShouldNotBeNil)
		})

		Convey("默认输出到控制台", func() {
			l, err := NewSLogWithOptions(&SLogOptions{Level: "info"})
			So(err, ShouldBeNil)
			So(l, ShouldNotBeNil)
		})

		Convey("非法日志级别", func() {
			_, err := NewSLogWithOptions(&SLogOptions{Level: "invalid"})
			So(err, ShouldNotBeNil)
		})

		Convey("非法输出格式", func() {
			_, err := NewSLogWithOptions(&SLogOptions{Format: "xml"})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestSLogOutput(t *testing.T) {
	Convey("测试日志输出", t, func() {
		buf := &bufferWriter{}
		l, err := NewSLogWithWriter(buf, &SLogOptions{
			Level:  "warn",
			Format: "json",
			Fields: map[string]any{"service": "fieldflow"},
		})
		So(err, ShouldBeNil)

		l.Info("ignored")
		So(buf.Len(), ShouldEqual, 0)

		l.WithGroup("restore").Warn("field restore failed", "fieldId", "fldB")
		var entry map[string]any
		So(json.Unmarshal(buf.Bytes(), &entry), ShouldBeNil)
		So(entry["msg"], ShouldEqual, "field restore failed")
		So(entry["service"], ShouldEqual, "fieldflow")
		So(entry["restore"].(map[string]any)["fieldId"], ShouldEqual, "fldB")
	})
}

func TestParseLevel(t *testing.T) {
	Convey("测试 parseLevel", t, func() {
		for _, level := range []string{"debug", "info", "warn", "warning", "error", ""} {
			_, err := parseLevel(level)
			So(err, ShouldBeNil)
		}
		_, err := parseLevel("fatal")
		So(err, ShouldNotBeNil)
	})
}
