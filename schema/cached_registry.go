package schema

import (
	"context"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hatlonely/fieldflow/field"
)

type CachedRegistryOptions struct {
	// 缓存字节数，freecache 最小 512KB
	Size int           `cfg:"size" def:"10485760"`
	TTL  time.Duration `cfg:"ttl" def:"1m"`
}

// CachedRegistry 为字段和表元数据提供进程内读缓存，缓存值为 msgpack 编码的 FieldModel
// 通过本注册表写入的字段在一个 TTL 内绕过缓存，事务回滚后不会读到未提交的定义，事务时长不应超过 TTL
type CachedRegistry struct {
	next  Registry
	cache *freecache.Cache
	ttl   time.Duration

	mu    sync.Mutex
	dirty map[string]time.Time
}

func NewCachedRegistryWithOptions(next Registry, options *CachedRegistryOptions) (*CachedRegistry, error) {
	if next == nil {
		return nil, errors.New("registry is nil")
	}
	if options == nil {
		options = &CachedRegistryOptions{}
	}
	size, ttl := options.Size, options.TTL
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedRegistry{
		next:  next,
		cache: freecache.NewCache(size),
		ttl:   ttl,
		dirty: map[string]time.Time{},
	}, nil
}

func fieldKey(id string) []byte { return []byte("field:" + id) }
func tableKey(id string) []byte { return []byte("table:" + id) }

func (r *CachedRegistry) Field(ctx context.Context, id string) (*field.Field, error) {
	if f, ok := r.cachedField(id); ok {
		return f, nil
	}
	f, err := r.next.Field(ctx, id)
	if err != nil {
		return nil, err
	}
	r.storeField(f)
	return f, nil
}

// Fields 按入参顺序返回，未命中的字段一次从下层读取
func (r *CachedRegistry) Fields(ctx context.Context, ids []string) ([]*field.Field, error) {
	hits := map[string]*field.Field{}
	var order, misses []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
		if f, ok := r.cachedField(id); ok {
			hits[id] = f
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		fields, err := r.next.Fields(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			r.storeField(f)
			hits[f.ID] = f
		}
	}

	result := make([]*field.Field, 0, len(hits))
	for _, id := range order {
		if f, ok := hits[id]; ok {
			result = append(result, f)
		}
	}
	return result, nil
}

// TableFields 字段集合由外部流程维护，总是读取下层并刷新缓存
func (r *CachedRegistry) TableFields(ctx context.Context, tableID string) ([]*field.Field, error) {
	fields, err := r.next.TableFields(ctx, tableID)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		r.storeField(f)
	}
	return fields, nil
}

func (r *CachedRegistry) Table(ctx context.Context, tableID string) (*Table, error) {
	if buf, err := r.cache.Get(tableKey(tableID)); err == nil {
		var t Table
		if err := msgpack.Unmarshal(buf, &t); err == nil {
			return &t, nil
		}
	}
	t, err := r.next.Table(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if buf, err := msgpack.Marshal(t); err == nil {
		_ = r.cache.Set(tableKey(tableID), buf, r.expireSeconds())
	}
	return t, nil
}

func (r *CachedRegistry) SaveFields(ctx context.Context, fields ...*field.Field) error {
	if err := r.next.SaveFields(ctx, fields...); err != nil {
		return err
	}
	ids := field.IDs(fields)
	r.Invalidate(ids...)

	until := time.Now().Add(r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.dirty[id] = until
	}
	return nil
}

// Invalidate 删除字段缓存，外部流程修改字段定义后调用
func (r *CachedRegistry) Invalidate(ids ...string) {
	for _, id := range ids {
		r.cache.Del(fieldKey(id))
	}
}

// InvalidateTables 删除表元数据缓存
func (r *CachedRegistry) InvalidateTables(ids ...string) {
	for _, id := range ids {
		r.cache.Del(tableKey(id))
	}
}

func (r *CachedRegistry) isDirty(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.dirty[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(r.dirty, id)
		return false
	}
	return true
}

func (r *CachedRegistry) cachedField(id string) (*field.Field, bool) {
	if r.isDirty(id) {
		return nil, false
	}
	buf, err := r.cache.Get(fieldKey(id))
	if err != nil {
		return nil, false
	}
	var m FieldModel
	if err := msgpack.Unmarshal(buf, &m); err != nil {
		return nil, false
	}
	f, err := m.toField()
	if err != nil {
		return nil, false
	}
	return f, true
}

func (r *CachedRegistry) storeField(f *field.Field) {
	if r.isDirty(f.ID) {
		return
	}
	m, err := fromField(f)
	if err != nil {
		return
	}
	buf, err := msgpack.Marshal(m)
	if err != nil {
		return
	}
	_ = r.cache.Set(fieldKey(f.ID), buf, r.expireSeconds())
}

func (r *CachedRegistry) expireSeconds() int {
	return int(r.ttl.Seconds())
}
