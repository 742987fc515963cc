package reference

import (
	"context"
	"sync"
)

// MapStore 内存引用图
type MapStore struct {
	mu    sync.RWMutex
	edges map[Edge]struct{}
}

func NewMapStore() *MapStore {
	return &MapStore{edges: map[Edge]struct{}{}}
}

func (s *MapStore) Add(ctx context.Context, edges ...Edge) error {
	edges, err := normalize(edges)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		s.edges[e] = struct{}{}
	}
	return nil
}

func (s *MapStore) Delete(ctx context.Context, edges ...Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		delete(s.edges, e)
	}
	return nil
}

func (s *MapStore) DeleteTo(ctx context.Context, toIDs ...string) error {
	return s.deleteWhere(toIDs, func(e Edge) string { return e.ToFieldID })
}

func (s *MapStore) DeleteFrom(ctx context.Context, fromIDs ...string) error {
	return s.deleteWhere(fromIDs, func(e Edge) string { return e.FromFieldID })
}

func (s *MapStore) deleteWhere(ids []string, key func(Edge) string) error {
	set := toSet(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.edges {
		if _, ok := set[key(e)]; ok {
			delete(s.edges, e)
		}
	}
	return nil
}

func (s *MapStore) Replace(ctx context.Context, toID string, fromIDs []string) error {
	for _, id := range fromIDs {
		if err := (Edge{FromFieldID: id, ToFieldID: toID}).validate(); err != nil {
			return err
		}
	}
	existing, err := s.Incoming(ctx, []string{toID})
	if err != nil {
		return err
	}
	added, removed := replaceDiff(toID, existing, fromIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range removed {
		delete(s.edges, e)
	}
	for _, e := range added {
		s.edges[e] = struct{}{}
	}
	return nil
}

func (s *MapStore) Outgoing(ctx context.Context, fromIDs []string) ([]Edge, error) {
	return s.selectWhere(fromIDs, func(e Edge) string { return e.FromFieldID }), nil
}

func (s *MapStore) Incoming(ctx context.Context, toIDs []string) ([]Edge, error) {
	return s.selectWhere(toIDs, func(e Edge) string { return e.ToFieldID }), nil
}

func (s *MapStore) selectWhere(ids []string, key func(Edge) string) []Edge {
	set := toSet(ids)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Edge
	for e := range s.edges {
		if _, ok := set[key(e)]; ok {
			result = append(result, e)
		}
	}
	sortEdges(result)
	return result
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
