package dependency

import (
	"context"
	"sort"

	"github.com/hatlonely/fieldflow/reference"
)

// Graph 一次解析加载的可达子图
type Graph struct {
	out map[string][]string
}

func NewGraph(edges []reference.Edge) *Graph {
	g := &Graph{out: map[string][]string{}}
	g.add(edges)
	return g
}

func (g *Graph) add(edges []reference.Edge) {
	for _, e := range edges {
		g.out[e.FromFieldID] = append(g.out[e.FromFieldID], e.ToFieldID)
	}
}

func (g *Graph) Successors(id string) []string {
	return g.out[id]
}

// LoadGraph 从种子出发逐层展开，最多展开 maxDepth 层
// 每个字段只查询一次出边，环不会导致重复加载
func LoadGraph(ctx context.Context, store reference.Store, seeds []string, maxDepth int) (*Graph, error) {
	g := NewGraph(nil)
	visited := map[string]struct{}{}
	frontier := unique(seeds)
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		for _, id := range frontier {
			visited[id] = struct{}{}
		}
		edges, err := store.Outgoing(ctx, frontier)
		if err != nil {
			return nil, err
		}
		g.add(edges)

		var next []string
		for _, e := range edges {
			if _, ok := visited[e.ToFieldID]; !ok {
				next = append(next, e.ToFieldID)
			}
		}
		frontier = unique(next)
	}
	for id := range g.out {
		sort.Strings(g.out[id])
	}
	return g, nil
}

// Levels 最长路径 BFS，种子为 0 层，只接受不超过 maxDepth 的层数
// 多个种子在同一次遍历中取最大值，回边不参与计算，环上先从种子到达的字段在前
func (g *Graph) Levels(seeds []string, maxDepth int) map[string]int {
	seeds = unique(seeds)
	back := g.backEdges(seeds)
	levels := map[string]int{}
	queue := make([]string, 0, len(seeds))
	for _, id := range seeds {
		levels[id] = 0
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		from := queue[0]
		queue = queue[1:]
		candidate := levels[from] + 1
		if candidate > maxDepth {
			continue
		}
		for _, to := range g.out[from] {
			if _, ok := back[edgeKey{from, to}]; ok {
				continue
			}
			if level, ok := levels[to]; ok && level >= candidate {
				continue
			}
			levels[to] = candidate
			queue = append(queue, to)
		}
	}
	return levels
}

type edgeKey struct {
	from string
	to   string
}

// backEdges 按种子和后继的顺序深度优先遍历，指向当前路径上字段的边为回边
func (g *Graph) backEdges(seeds []string) map[edgeKey]struct{} {
	const (
		onPath = 1
		done   = 2
	)
	state := map[string]int{}
	back := map[edgeKey]struct{}{}
	var visit func(id string)
	visit = func(id string) {
		state[id] = onPath
		for _, to := range g.out[id] {
			switch state[to] {
			case onPath:
				back[edgeKey{id, to}] = struct{}{}
			case 0:
				visit(to)
			}
		}
		state[id] = done
	}
	for _, id := range seeds {
		if state[id] == 0 {
			visit(id)
		}
	}
	return back
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
