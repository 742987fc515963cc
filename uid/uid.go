package uid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator 生成字符串 id
type Generator interface {
	Generate() string
}

type UUIDOptions struct {
	// uuid 版本：v4, v7
	Version string `cfg:"version" def:"v7" validate:"omitempty,oneof=v4 v7"`
	// id 前缀，例如引用边使用 ref
	Prefix string `cfg:"prefix"`
	// 是否保留连字符，默认输出 32 位十六进制
	WithHyphens bool `cfg:"withHyphens"`
}

type UUIDGenerator struct {
	version     string
	prefix      string
	withHyphens bool
}

func NewUUIDGeneratorWithOptions(options *UUIDOptions) *UUIDGenerator {
	if options == nil {
		options = &UUIDOptions{}
	}
	return &UUIDGenerator{
		version:     options.Version,
		prefix:      options.Prefix,
		withHyphens: options.WithHyphens,
	}
}

func (g *UUIDGenerator) Generate() string {
	var u uuid.UUID
	switch g.version {
	case "v4":
		u = uuid.New()
	default:
		// v7 按时间有序，作为主键时写入更集中
		u = uuid.Must(uuid.NewV7())
	}

	if g.withHyphens {
		return g.prefix + u.String()
	}
	return g.prefix + hex.EncodeToString(u[:])
}
