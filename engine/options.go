package engine

import (
	"github.com/hatlonely/fieldflow/condition"
	"github.com/hatlonely/fieldflow/dependency"
	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/refx"
)

type Options struct {
	Resolver  dependency.ResolverOptions `cfg:"resolver"`
	Lock      rdb.LockPolicyOptions      `cfg:"lock"`
	Condition condition.BuilderOptions   `cfg:"condition"`

	Logger *refx.TypeOptions `cfg:"logger"`

	Observability ObservabilityOptions `cfg:"observability"`
}

type ObservabilityOptions struct {
	EnableMetrics bool `cfg:"enableMetrics" def:"false"`
	EnableTracing bool `cfg:"enableTracing" def:"false"`

	// Name 指标名前缀，同时作为 span 的 component
	Name string `cfg:"name" def:"fieldflow" validate:"required"`
}
