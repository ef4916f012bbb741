package graph

import (
	"container/heap"
	"sort"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// PageRank runs the standard power-iteration PageRank over edge weights
// (dangling nodes redistribute their mass uniformly). Iteration order over
// nodes is always the lexically sorted id list so repeated runs on an
// unchanged graph are bit-identical.
func (g *Graph) PageRank(damping float64, iterations int) map[string]float64 {
	if damping <= 0 || damping >= 1 {
		damping = 0.85
	}
	if iterations <= 0 {
		iterations = 50
	}

	ids := g.NodeIDs()
	n := len(ids)
	if n == 0 {
		return map[string]float64{}
	}

	g.mu.RLock()
	outWeight := make(map[string]float64, n)
	for _, id := range ids {
		var total float64
		for _, e := range g.out[id] {
			total += e.weight()
		}
		outWeight[id] = total
	}
	g.mu.RUnlock()

	rank := make(map[string]float64, n)
	for _, id := range ids {
		rank[id] = 1.0 / float64(n)
	}

	for iter := 0; iter < iterations; iter++ {
		next := make(map[string]float64, n)
		base := (1 - damping) / float64(n)
		for _, id := range ids {
			next[id] = base
		}

		var danglingMass float64
		for _, id := range ids {
			if outWeight[id] == 0 {
				danglingMass += rank[id]
			}
		}
		if danglingMass > 0 {
			share := damping * danglingMass / float64(n)
			for _, id := range ids {
				next[id] += share
			}
		}

		g.mu.RLock()
		for _, id := range ids {
			ow := outWeight[id]
			if ow == 0 {
				continue
			}
			contribution := damping * rank[id] / ow
			for _, e := range g.out[id] {
				next[e.To] += contribution * e.weight()
			}
		}
		g.mu.RUnlock()

		rank = next
	}

	return rank
}

// Community is one Louvain-detected cluster of node ids.
type Community struct {
	ID    int
	Nodes []string
}

// Communities runs a simplified single-pass greedy-modularity Louvain
// grouping: each node starts in its own community, then repeatedly joins
// whichever neighboring community yields the largest modularity gain,
// until no move improves modularity. Treats the graph as undirected and
// weighted by edge.weight() (summing both directions between a pair).
func (g *Graph) Communities() []Community {
	ids := g.NodeIDs()
	if len(ids) == 0 {
		return nil
	}

	g.mu.RLock()
	neighborWeight := make(map[string]map[string]float64, len(ids))
	totalWeight := 0.0
	degree := make(map[string]float64, len(ids))
	for _, id := range ids {
		neighborWeight[id] = make(map[string]float64)
	}
	addUndirected := func(a, b string, w float64) {
		neighborWeight[a][b] += w
		neighborWeight[b][a] += w
		degree[a] += w
		degree[b] += w
		totalWeight += w
	}
	for _, id := range ids {
		for _, e := range g.out[id] {
			if e.To == id {
				continue // ignore self-loops for modularity purposes
			}
			addUndirected(e.From, e.To, e.weight())
		}
	}
	g.mu.RUnlock()

	if totalWeight == 0 {
		// No edges: every node is its own community.
		communities := make([]Community, len(ids))
		for i, id := range ids {
			communities[i] = Community{ID: i, Nodes: []string{id}}
		}
		return communities
	}

	assignment := make(map[string]int, len(ids))
	for i, id := range ids {
		assignment[id] = i
	}
	commDegree := make(map[int]float64, len(ids))
	for _, id := range ids {
		commDegree[assignment[id]] += degree[id]
	}

	m2 := 2 * totalWeight
	improved := true
	for improved {
		improved = false
		for _, id := range ids {
			current := assignment[id]
			best := current
			bestGain := 0.0

			links := make(map[int]float64)
			for nb, w := range neighborWeight[id] {
				links[assignment[nb]] += w
			}

			// Tentatively remove id from its community.
			commDegree[current] -= degree[id]

			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)

			for _, c := range candidates {
				gain := links[c] - commDegree[c]*degree[id]/m2
				if gain > bestGain {
					bestGain = gain
					best = c
				}
			}

			commDegree[best] += degree[id]
			if best != current {
				assignment[id] = best
				improved = true
			}
		}
	}

	grouped := make(map[int][]string)
	for _, id := range ids {
		c := assignment[id]
		grouped[c] = append(grouped[c], id)
	}
	commIDs := make([]int, 0, len(grouped))
	for c := range grouped {
		commIDs = append(commIDs, c)
	}
	sort.Ints(commIDs)

	communities := make([]Community, 0, len(commIDs))
	for i, c := range commIDs {
		nodes := grouped[c]
		sort.Strings(nodes)
		communities = append(communities, Community{ID: i, Nodes: nodes})
	}
	return communities
}

// pqItem is one entry in Dijkstra's priority queue.
type pqItem struct {
	id   string
	cost float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool   { return pq[i].cost < pq[j].cost }
func (pq priorityQueue) Swap(i, j int)        { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{})  { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// ShortestPath runs Dijkstra over edge cost = 1/confidence (so higher
// confidence, not higher raw weight, means a cheaper hop — a path through
// two 0.9-confidence edges should beat one through a single 0.3-confidence
// edge). Returns the node sequence from -> to and its total cost.
func (g *Graph) ShortestPath(from, to string) ([]string, float64, error) {
	if _, ok := g.Node(from); !ok {
		return nil, 0, gwerrors.NotFound("shortest path source %q not in graph", from)
	}
	if _, ok := g.Node(to); !ok {
		return nil, 0, gwerrors.NotFound("shortest path target %q not in graph", to)
	}
	if from == to {
		return []string{from}, 0, nil
	}

	dist := map[string]float64{from: 0}
	prev := map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{id: from, cost: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		if cur.id == to {
			break
		}

		for _, e := range g.Neighbors(cur.id) {
			confidence := e.Confidence
			if confidence <= 0 {
				confidence = 1.0
			}
			edgeCost := 1.0 / confidence
			next := cur.cost + edgeCost
			if existing, ok := dist[e.To]; !ok || next < existing {
				dist[e.To] = next
				prev[e.To] = cur.id
				heap.Push(pq, pqItem{id: e.To, cost: next})
			}
		}
	}

	if _, ok := dist[to]; !ok {
		return nil, 0, gwerrors.NotFound("no path from %q to %q", from, to)
	}

	path := []string{to}
	for cur := to; cur != from; {
		p, ok := prev[cur]
		if !ok {
			return nil, 0, gwerrors.Internal(nil, "broken path reconstruction at %q", cur)
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[to], nil
}
