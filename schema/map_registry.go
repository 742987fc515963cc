package schema

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/field"
)

// MapRegistry 内存实现，读写都会复制字段
type MapRegistry struct {
	mu     sync.RWMutex
	fields map[string]*field.Field
	tables map[string]*Table
}

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{
		fields: map[string]*field.Field{},
		tables: map[string]*Table{},
	}
}

func (r *MapRegistry) AddTables(tables ...*Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tables {
		c := *t
		r.tables[t.ID] = &c
	}
}

func (r *MapRegistry) AddFields(fields ...*field.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range fields {
		r.fields[f.ID] = f.Clone()
	}
}

func (r *MapRegistry) Field(ctx context.Context, id string) (*field.Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fields[id]
	if !ok {
		return nil, errors.Wrapf(ErrFieldNotFound, "field [%s]", id)
	}
	return f.Clone(), nil
}

func (r *MapRegistry) Fields(ctx context.Context, ids []string) ([]*field.Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*field.Field, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if f, ok := r.fields[id]; ok {
			result = append(result, f.Clone())
		}
	}
	return result, nil
}

func (r *MapRegistry) TableFields(ctx context.Context, tableID string) ([]*field.Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*field.Field
	for _, f := range r.fields {
		if f.TableID == tableID && !f.Deleted() {
			result = append(result, f.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *MapRegistry) Table(ctx context.Context, tableID string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[tableID]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table [%s]", tableID)
	}
	c := *t
	return &c, nil
}

func (r *MapRegistry) SaveFields(ctx context.Context, fields ...*field.Field) error {
	r.AddFields(fields...)
	return nil
}
