// Package network — вычисление приоритетов обнаруженных групп по графу
// упоминаний: взвешенный PageRank и in-degree-центральность сворачиваются в
// единый балл [0,1], который пишется обратно в хранилище.
package network

import (
	"context"
	"math"
	"sort"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/store"
)

// Параметры PageRank: демпфирование и критерии остановки.
const (
	damping       = 0.85
	convergeEps   = 1e-6
	maxIterations = 100

	pagerankShare = 0.7
	indegreeShare = 0.3
)

// Persister — подмножество операций хранилища, нужное анализатору.
type Persister interface {
	Relationships(ctx context.Context) ([]store.Relationship, error)
	SetGroupPriority(ctx context.Context, link string, priority float64) error
	TopPriorityGroups(ctx context.Context, n int, minPriority float64) ([]store.DiscoveredGroup, error)
}

// Analyzer пересчитывает приоритеты групп по текущему набору рёбер.
type Analyzer struct {
	db Persister
}

// NewAnalyzer создаёт анализатор над хранилищем.
func NewAnalyzer(db Persister) *Analyzer {
	return &Analyzer{db: db}
}

// graph — направленный взвешенный граф в смежностном представлении.
type graph struct {
	nodes []string
	index map[string]int
	// out[u] — список (v, weight); outWeight[u] — суммарный исходящий вес.
	out       [][]edge
	outWeight []float64
	inDegree  []int
}

type edge struct {
	to     int
	weight float64
}

func buildGraph(rels []store.Relationship) *graph {
	g := &graph{index: make(map[string]int)}
	id := func(name string) int {
		if i, ok := g.index[name]; ok {
			return i
		}
		i := len(g.nodes)
		g.index[name] = i
		g.nodes = append(g.nodes, name)
		g.out = append(g.out, nil)
		g.outWeight = append(g.outWeight, 0)
		g.inDegree = append(g.inDegree, 0)
		return i
	}
	for _, r := range rels {
		w := r.Weight
		if w <= 0 {
			w = 1.0
		}
		u, v := id(r.Source), id(r.Target)
		g.out[u] = append(g.out[u], edge{to: v, weight: w})
		g.outWeight[u] += w
		g.inDegree[v]++
	}
	return g
}

// pagerank — степенная итерация с демпфированием и равномерным
// перераспределением массы висячих узлов. Останавливается при L1-дельте
// меньше convergeEps либо после maxIterations итераций.
func (g *graph) pagerank() []float64 {
	n := len(g.nodes)
	if n == 0 {
		return nil
	}
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	base := (1 - damping) / float64(n)
	for iter := 0; iter < maxIterations; iter++ {
		dangling := 0.0
		for i := range next {
			next[i] = base
		}
		for u := 0; u < n; u++ {
			if g.outWeight[u] == 0 {
				dangling += rank[u]
				continue
			}
			share := damping * rank[u] / g.outWeight[u]
			for _, e := range g.out[u] {
				next[e.to] += share * e.weight
			}
		}
		danglingShare := damping * dangling / float64(n)
		delta := 0.0
		for i := range next {
			next[i] += danglingShare
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < convergeEps {
			break
		}
	}
	return rank
}

// inDegreeCentrality — нормированная входящая степень: indeg/(n-1).
func (g *graph) inDegreeCentrality() []float64 {
	n := len(g.nodes)
	out := make([]float64, n)
	if n <= 1 {
		return out
	}
	for i, d := range g.inDegree {
		out[i] = float64(d) / float64(n-1)
	}
	return out
}

// Priorities вычисляет комбинированный балл каждого узла графа:
// 0.7·pagerank + 0.3·centrality, с ограничением в [0,1].
func Priorities(rels []store.Relationship) map[string]float64 {
	g := buildGraph(rels)
	pr := g.pagerank()
	indeg := g.inDegreeCentrality()

	out := make(map[string]float64, len(g.nodes))
	for i, name := range g.nodes {
		p := pagerankShare*pr[i] + indegreeShare*indeg[i]
		out[name] = math.Min(1, math.Max(0, p))
	}
	return out
}

// Recompute перечитывает рёбра, пересчитывает приоритеты и пишет их обратно.
// Возвращает итоговую карту узел → приоритет.
func (a *Analyzer) Recompute(ctx context.Context) (map[string]float64, error) {
	rels, err := a.db.Relationships(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load relationships")
	}
	priorities := Priorities(rels)

	// Детерминированный порядок записи упрощает отладку и тесты.
	links := make([]string, 0, len(priorities))
	for link := range priorities {
		links = append(links, link)
	}
	sort.Strings(links)
	for _, link := range links {
		if err := a.db.SetGroupPriority(ctx, link, priorities[link]); err != nil {
			return nil, errors.Wrapf(err, "write priority of %s", link)
		}
	}
	logger.Infof("network priorities recomputed: %d nodes, %d edges", len(priorities), len(rels))
	return priorities, nil
}

// TopPriorityTargets возвращает до n целей с приоритетом ≥ minPriority,
// исключая уже заархивированные.
func (a *Analyzer) TopPriorityTargets(ctx context.Context, n int, minPriority float64) ([]store.DiscoveredGroup, error) {
	return a.db.TopPriorityGroups(ctx, n, minPriority)
}
