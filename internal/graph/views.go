package graph

import (
	"math"

	"gonum.org/v1/gonum/graph/simple"
)

// minWeight replaces zero weights so shortest-path enumeration never sees
// zero-cost cycles.
const minWeight = 1e-9

// directedView projects g onto a gonum weighted digraph whose node ids are
// positions in g.nodes. Self-loops are dropped; gonum simple graphs reject them.
func (g *Graph) directedView(weight func(*Edge) float64) *simple.WeightedDirectedGraph {
	dg := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for i := range g.nodes {
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, e := range g.edges {
		if e.Source == e.Target {
			continue
		}
		w := weight(e)
		if w <= 0 {
			w = minWeight
		}
		dg.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(int64(g.index[e.Source])),
			T: simple.Node(int64(g.index[e.Target])),
			W: w,
		})
	}
	return dg
}

// undirectedView collapses both directions of every pair into one edge whose
// weight is the sum of the directed weights.
func (g *Graph) undirectedView() *simple.WeightedUndirectedGraph {
	ug := simple.NewWeightedUndirectedGraph(0, 0)
	for i := range g.nodes {
		ug.AddNode(simple.Node(int64(i)))
	}

	type pair struct{ a, b int64 }
	var order []pair
	sums := make(map[pair]float64)
	for _, e := range g.edges {
		a, b := int64(g.index[e.Source]), int64(g.index[e.Target])
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		p := pair{a, b}
		if _, ok := sums[p]; !ok {
			order = append(order, p)
		}
		sums[p] += e.Weight()
	}
	for _, p := range order {
		w := sums[p]
		if w <= 0 {
			w = minWeight
		}
		ug.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(p.a), T: simple.Node(p.b), W: w})
	}
	return ug
}

func unitWeight(*Edge) float64 { return 1 }

func amountWeight(e *Edge) float64 { return e.Weight() }

// finite maps NaN and infinities to zero so results stay JSON-encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
