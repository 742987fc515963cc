package dependency

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/reference"
	"github.com/hatlonely/fieldflow/schema"
)

// Dependent 依赖字段，Level 为从任一种子出发的最长路径长度
type Dependent struct {
	FieldID string
	TableID string
	Level   int
}

// Dependents 按层级降序排列，同层按字段 id 升序
type Dependents []Dependent

func (ds Dependents) IDs() []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.FieldID
	}
	return ids
}

// ShallowFirst 返回由浅到深的顺序，重算取值时使用
func (ds Dependents) ShallowFirst() Dependents {
	result := make(Dependents, len(ds))
	for i, d := range ds {
		result[len(ds)-1-i] = d
	}
	return result
}

// ByTable 按表分组，保持原有顺序
func (ds Dependents) ByTable() map[string]Dependents {
	groups := map[string]Dependents{}
	for _, d := range ds {
		groups[d.TableID] = append(groups[d.TableID], d)
	}
	return groups
}

type ResolverOptions struct {
	// 最大展开层数，超过的依赖字段被忽略
	MaxDepth int `cfg:"maxDepth" def:"10" validate:"min=1"`
}

// Resolver 依赖解析
type Resolver struct {
	store    reference.Store
	registry schema.Registry
	maxDepth atomic.Int64
	logger   logger.Logger
}

func NewResolverWithOptions(store reference.Store, registry schema.Registry, options *ResolverOptions) *Resolver {
	maxDepth := 10
	if options != nil && options.MaxDepth > 0 {
		maxDepth = options.MaxDepth
	}
	r := &Resolver{
		store:    store,
		registry: registry,
		logger:   logger.Nop{},
	}
	r.maxDepth.Store(int64(maxDepth))
	return r
}

func (r *Resolver) SetLogger(l logger.Logger) {
	r.logger = l
}

func (r *Resolver) MaxDepth() int {
	return int(r.maxDepth.Load())
}

// SetMaxDepth 配置热更新时调用
func (r *Resolver) SetMaxDepth(maxDepth int) {
	if maxDepth > 0 {
		r.maxDepth.Store(int64(maxDepth))
	}
}

type resolveOptions struct {
	maxDepth int
	filter   func(*field.Field) bool
}

type ResolveOption func(*resolveOptions)

func WithMaxDepth(maxDepth int) ResolveOption {
	return func(o *resolveOptions) {
		if maxDepth > 0 {
			o.maxDepth = maxDepth
		}
	}
}

// WithFilter 只保留满足条件的字段，多次调用取交集
func WithFilter(filter func(*field.Field) bool) ResolveOption {
	return func(o *resolveOptions) {
		if o.filter == nil {
			o.filter = filter
			return
		}
		prev := o.filter
		o.filter = func(f *field.Field) bool { return prev(f) && filter(f) }
	}
}

func OfKinds(kinds ...field.Kind) ResolveOption {
	return WithFilter(func(f *field.Field) bool {
		k := f.Kind()
		for _, kind := range kinds {
			if k == kind {
				return true
			}
		}
		return false
	})
}

// Computed 只保留计算字段
func Computed() ResolveOption {
	return WithFilter(func(f *field.Field) bool {
		return f.IsComputed || f.Is(field.TraitComputed)
	})
}

func FormulaOnly() ResolveOption {
	return OfKinds(field.KindFormula)
}

// ResolveDependents 返回种子字段的传递依赖字段，种子本身不出现在结果中
func (r *Resolver) ResolveDependents(ctx context.Context, seedIDs []string, opts ...ResolveOption) (Dependents, error) {
	options := &resolveOptions{maxDepth: r.MaxDepth()}
	for _, opt := range opts {
		opt(options)
	}
	if len(seedIDs) == 0 {
		return nil, nil
	}

	graph, err := LoadGraph(ctx, r.store, seedIDs, options.maxDepth)
	if err != nil {
		return nil, errors.WithMessage(err, "load reference graph failed")
	}
	levels := graph.Levels(seedIDs, options.maxDepth)
	for _, id := range seedIDs {
		delete(levels, id)
	}
	if len(levels) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(levels))
	for id := range levels {
		ids = append(ids, id)
	}
	fields, err := r.registry.Fields(ctx, ids)
	if err != nil {
		return nil, errors.WithMessage(err, "load dependent fields failed")
	}
	index := field.Index(fields)

	result := make(Dependents, 0, len(ids))
	for _, id := range ids {
		f, ok := index[id]
		if !ok {
			// 注册表中缺失的字段只在不过滤时透传
			if options.filter != nil {
				continue
			}
			r.logger.DebugContext(ctx, "dependent field missing from registry", "fieldId", id)
			result = append(result, Dependent{FieldID: id, Level: levels[id]})
			continue
		}
		if f.Deleted() {
			continue
		}
		if options.filter != nil && !options.filter(f) {
			continue
		}
		result = append(result, Dependent{FieldID: id, TableID: f.TableID, Level: levels[id]})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Level != result[j].Level {
			return result[i].Level > result[j].Level
		}
		return result[i].FieldID < result[j].FieldID
	})
	return result, nil
}
