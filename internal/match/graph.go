package match

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Graph is the match graph: one node per frame index, one edge per
// accepted Match. Edge weights are 1 + RMSE, so shortest paths prefer few,
// accurate hops.
type Graph struct {
	g       *simple.WeightedUndirectedGraph
	nodes   []int
	matches map[[2]int]Match
}

func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// NewGraph returns a graph over the given frames with no edges.
func NewGraph(frames []int) *Graph {
	g := &Graph{
		g:       simple.NewWeightedUndirectedGraph(0, 0),
		matches: make(map[[2]int]Match),
	}
	for _, f := range frames {
		if g.g.Node(int64(f)) != nil {
			continue
		}
		g.g.AddNode(simple.Node(f))
		g.nodes = append(g.nodes, f)
	}
	sort.Ints(g.nodes)
	return g
}

// Add inserts or replaces the edge for m's frame pair. Both frames must
// already be nodes.
func (g *Graph) Add(m Match) {
	g.matches[edgeKey(m.From, m.To)] = m
	g.g.SetWeightedEdge(g.g.NewWeightedEdge(simple.Node(m.From), simple.Node(m.To), 1+m.RMSE))
}

// Nodes returns the frame indices in ascending order.
func (g *Graph) Nodes() []int { return append([]int(nil), g.nodes...) }

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// EdgeCount is the number of accepted matches.
func (g *Graph) EdgeCount() int { return len(g.matches) }

// Edge returns the match between a and b oriented so that H maps a into b.
func (g *Graph) Edge(a, b int) (Match, bool) {
	m, ok := g.matches[edgeKey(a, b)]
	if !ok {
		return Match{}, false
	}
	if m.From == a {
		return m, true
	}
	return m.Reverse()
}

// Matches returns every match ordered by (From, To).
func (g *Graph) Matches() []Match {
	out := make([]Match, 0, len(g.matches))
	for _, m := range g.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Components returns the connected components, each sorted, ordered by
// their smallest frame index.
func (g *Graph) Components() [][]int {
	var out [][]int
	for _, cc := range topo.ConnectedComponents(g.g) {
		ids := make([]int, len(cc))
		for i, n := range cc {
			ids[i] = int(n.ID())
		}
		sort.Ints(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Weighted exposes the underlying gonum graph for path searches.
func (g *Graph) Weighted() graph.WeightedUndirected { return g.g }

// Reverse returns the same registration seen from the To frame.
func (m Match) Reverse() (Match, bool) {
	inv, err := m.H.Inverse()
	if err != nil {
		return Match{}, false
	}
	r := m
	r.From, r.To = m.To, m.From
	r.H = inv.Normalize()
	r.Correspondences = make([]Correspondence, len(m.Correspondences))
	for i, c := range m.Correspondences {
		r.Correspondences[i] = Correspondence{FromIdx: c.ToIdx, ToIdx: c.FromIdx, Distance: c.Distance}
	}
	return r, true
}

