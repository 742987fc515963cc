package refx

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type gatewayOptions struct {
	Driver  string        `cfg:"driver"`
	MaxIdle int           `cfg:"maxIdle"`
	Timeout time.Duration `cfg:"timeout"`
}

type gateway struct {
	options *gatewayOptions
}

func newGateway(options *gatewayOptions) (*gateway, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	return &gateway{options: options}, nil
}

func newDefaultGateway() *gateway {
	return &gateway{options: &gatewayOptions{Driver: "sqlite3"}}
}

func TestRegister(t *testing.T) {
	Convey("测试 Register 方法", t, func() {
		So(Register("refx_test", "Gateway", newGateway), ShouldBeNil)

		Convey("同一个函数重复注册", func() {
			So(Register("refx_test", "Gateway", newGateway), ShouldBeNil)
		})

		Convey("不同函数注册同一个名字", func() {
			So(Register("refx_test", "Gateway", newDefaultGateway), ShouldNotBeNil)
		})

		Convey("非函数类型", func() {
			So(Register("refx_test", "Bad", 1), ShouldNotBeNil)
		})
	})
}

func TestNew(t *testing.T) {
	Convey("测试 New 方法", t, func() {
		MustRegister("refx_test", "Gateway", newGateway)
		MustRegister("refx_test", "DefaultGateway", newDefaultGateway)

		Convey("直接传入参数类型", func() {
			obj, err := New("refx_test", "Gateway", &gatewayOptions{Driver: "mysql"})
			So(err, ShouldBeNil)
			So(obj.(*gateway).options.Driver, ShouldEqual, "mysql")
		})

		Convey("传入配置解码出的 map", func() {
			obj, err := New("refx_test", "Gateway", map[string]any{
				"driver":  "postgres",
				"maxIdle": "5",
				"timeout": "3s",
			})
			So(err, ShouldBeNil)
			options := obj.(*gateway).options
			So(options.Driver, ShouldEqual, "postgres")
			So(options.MaxIdle, ShouldEqual, 5)
			So(options.Timeout, ShouldEqual, 3*time.Second)
		})

		Convey("构造函数返回错误", func() {
			_, err := New("refx_test", "Gateway", nil)
			So(err, ShouldNotBeNil)
		})

		Convey("无参数构造函数", func() {
			obj, err := New("refx_test", "DefaultGateway", nil)
			So(err, ShouldBeNil)
			So(obj.(*gateway).options.Driver, ShouldEqual, "sqlite3")
		})

		Convey("未注册的类型", func() {
			_, err := New("refx_test", "Unknown", nil)
			So(err, ShouldNotBeNil)
		})

		Convey("NewT 类型断言", func() {
			g, err := NewT[*gateway](&TypeOptions{Namespace: "refx_test", Type: "DefaultGateway"})
			So(err, ShouldBeNil)
			So(g, ShouldNotBeNil)

			_, err = NewT[string](&TypeOptions{Namespace: "refx_test", Type: "DefaultGateway"})
			So(err, ShouldNotBeNil)
		})
	})
}
