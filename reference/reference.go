package reference

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/refx"
)

const Namespace = "github.com/hatlonely/fieldflow/reference"

func init() {
	refx.MustRegister(Namespace, "MapStore", NewMapStore)
	refx.MustRegister(Namespace, "SQLStore", NewSQLStoreWithOptions)
	refx.MustRegister(Namespace, "GormStore", NewGormStoreWithOptions)
	refx.MustRegister(Namespace, "RedisStore", NewRedisStoreWithOptions)
}

// Edge ToFieldID 的值依赖 FromFieldID
type Edge struct {
	FromFieldID string
	ToFieldID   string
}

func (e Edge) validate() error {
	if e.FromFieldID == "" || e.ToFieldID == "" {
		return rdb.NewValidationError("reference edge [%s -> %s] has empty field id", e.FromFieldID, e.ToFieldID)
	}
	if e.FromFieldID == e.ToFieldID {
		return rdb.NewValidationError("field [%s] cannot reference itself", e.FromFieldID)
	}
	return nil
}

// Store 引用图存储
type Store interface {
	// Add 添加边，已存在的边忽略
	Add(ctx context.Context, edges ...Edge) error
	Delete(ctx context.Context, edges ...Edge) error
	// DeleteTo 删除指向这些字段的边
	DeleteTo(ctx context.Context, toIDs ...string) error
	// DeleteFrom 删除从这些字段出发的边
	DeleteFrom(ctx context.Context, fromIDs ...string) error
	// Replace 把 toID 的依赖集合替换为 fromIDs
	Replace(ctx context.Context, toID string, fromIDs []string) error
	Outgoing(ctx context.Context, fromIDs []string) ([]Edge, error)
	Incoming(ctx context.Context, toIDs []string) ([]Edge, error)
}

func NewStoreWithOptions(options *refx.TypeOptions) (Store, error) {
	if options == nil {
		return nil, errors.New("store options is nil")
	}
	if options.Namespace == "" {
		options = &refx.TypeOptions{Namespace: Namespace, Type: options.Type, Options: options.Options}
	}
	store, err := refx.NewT[Store](options)
	if err != nil {
		return nil, errors.WithMessage(err, "refx.NewT failed")
	}
	return store, nil
}

// FromIDs 返回边的起点，去重并排序
func FromIDs(edges []Edge) []string {
	return distinct(edges, func(e Edge) string { return e.FromFieldID })
}

// ToIDs 返回边的终点，去重并排序
func ToIDs(edges []Edge) []string {
	return distinct(edges, func(e Edge) string { return e.ToFieldID })
}

func distinct(edges []Edge, key func(Edge) string) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, e := range edges {
		id := key(e)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromFieldID != edges[j].FromFieldID {
			return edges[i].FromFieldID < edges[j].FromFieldID
		}
		return edges[i].ToFieldID < edges[j].ToFieldID
	})
}

// normalize 校验并去重
func normalize(edges []Edge) ([]Edge, error) {
	seen := make(map[Edge]struct{}, len(edges))
	result := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		result = append(result, e)
	}
	return result, nil
}

func replaceDiff(toID string, existing []Edge, fromIDs []string) (added []Edge, removed []Edge) {
	want := map[string]struct{}{}
	for _, id := range fromIDs {
		want[id] = struct{}{}
	}
	have := map[string]struct{}{}
	for _, e := range existing {
		have[e.FromFieldID] = struct{}{}
		if _, ok := want[e.FromFieldID]; !ok {
			removed = append(removed, e)
		}
	}
	for _, id := range fromIDs {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		added = append(added, Edge{FromFieldID: id, ToFieldID: toID})
	}
	return added, removed
}

// chunk 分批处理，避免 IN 列表过长
func chunk(ids []string, size int, fn func([]string) error) error {
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}
