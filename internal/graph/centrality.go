package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/path"
)

// Centrality measure names.
const (
	MeasureDegree      = "degree"
	MeasureInDegree    = "in_degree"
	MeasureOutDegree   = "out_degree"
	MeasureBetweenness = "betweenness"
	MeasureCloseness   = "closeness"
	MeasurePageRank    = "pagerank"
)

const (
	pageRankDamping   = 0.85
	pageRankTolerance = 1e-6
)

// Centrality holds one score per node for each measure. A measure that
// failed is left empty and reported in Errors.
type Centrality struct {
	Degree      map[string]float64 `json:"degree"`
	InDegree    map[string]float64 `json:"inDegree"`
	OutDegree   map[string]float64 `json:"outDegree"`
	Betweenness map[string]float64 `json:"betweenness"`
	Closeness   map[string]float64 `json:"closeness"`
	PageRank    map[string]float64 `json:"pagerank"`

	Errors []MeasureError `json:"errors,omitempty"`
}

// MeasureError records a metric that could not be computed.
type MeasureError struct {
	Measure string `json:"measure"`
	Error   string `json:"error"`
}

// Measures returns the measures keyed by name.
func (c *Centrality) Measures() map[string]map[string]float64 {
	return map[string]map[string]float64{
		MeasureDegree:      c.Degree,
		MeasureInDegree:    c.InDegree,
		MeasureOutDegree:   c.OutDegree,
		MeasureBetweenness: c.Betweenness,
		MeasureCloseness:   c.Closeness,
		MeasurePageRank:    c.PageRank,
	}
}

// measureOrder fixes iteration order over Measures.
var measureOrder = []string{
	MeasureDegree, MeasureInDegree, MeasureOutDegree,
	MeasureBetweenness, MeasureCloseness, MeasurePageRank,
}

// ComputeCentrality computes every centrality measure concurrently. A failure
// or panic in one measure leaves that measure empty without affecting others.
// Only context cancellation is returned as an error.
func ComputeCentrality(ctx context.Context, g *Graph) (*Centrality, error) {
	c := &Centrality{}
	var mu sync.Mutex

	jobs := []struct {
		name string
		fn   func() map[string]float64
		dst  *map[string]float64
	}{
		{MeasureDegree, g.degreeCentrality(g.Degree, 2), &c.Degree},
		{MeasureInDegree, g.degreeCentrality(g.InDegree, 1), &c.InDegree},
		{MeasureOutDegree, g.degreeCentrality(g.OutDegree, 1), &c.OutDegree},
		{MeasureBetweenness, g.betweenness, &c.Betweenness},
		{MeasureCloseness, g.closeness, &c.Closeness},
		{MeasurePageRank, g.pageRank, &c.PageRank},
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			values, err := safely(job.fn)
			if err != nil {
				mu.Lock()
				c.Errors = append(c.Errors, MeasureError{Measure: job.name, Error: err.Error()})
				mu.Unlock()
				values = map[string]float64{}
			}
			*job.dst = values
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(c.Errors, func(i, j int) bool { return c.Errors[i].Measure < c.Errors[j].Measure })
	return c, nil
}

// safely runs fn and converts a panic into an error.
func safely(fn func() map[string]float64) (values map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(), nil
}

// degreeCentrality normalizes a degree function by n-1, capped at 1.
// loopWeight is what a self-loop adds to deg; self-loops are not counted.
// A single-node graph scores 1.
func (g *Graph) degreeCentrality(deg func(string) int, loopWeight int) func() map[string]float64 {
	return func() map[string]float64 {
		out := make(map[string]float64, len(g.nodes))
		n := len(g.nodes)
		if n == 1 {
			out[g.nodes[0].ID] = 1
			return out
		}
		for _, node := range g.nodes {
			d := deg(node.ID)
			if g.HasSelfLoop(node.ID) {
				d -= loopWeight
			}
			out[node.ID] = min(float64(d)/float64(n-1), 1)
		}
		return out
	}
}

// betweenness uses amount-weighted shortest paths, normalized by
// 1/((n-1)(n-2)) for directed graphs.
func (g *Graph) betweenness() map[string]float64 {
	out := make(map[string]float64, len(g.nodes))
	n := len(g.nodes)
	for _, node := range g.nodes {
		out[node.ID] = 0
	}
	if n < 3 {
		return out
	}

	dg := g.directedView(amountWeight)
	raw := network.BetweennessWeighted(dg, path.DijkstraAllPaths(dg))
	scale := 1 / float64((n-1)*(n-2))
	for id, v := range raw {
		out[g.nodes[id].ID] = finite(v * scale)
	}
	return out
}

// closeness is the hop-count closeness over incoming paths, scaled by the
// reachable fraction of the graph (Wasserman and Faust).
func (g *Graph) closeness() map[string]float64 {
	out := make(map[string]float64, len(g.nodes))
	n := len(g.nodes)
	if n == 0 {
		return out
	}

	sp := path.DijkstraAllPaths(g.directedView(unitWeight))
	for vi, v := range g.nodes {
		var total float64
		reached := 0
		for ui := range g.nodes {
			if ui == vi {
				continue
			}
			d := sp.Weight(int64(ui), int64(vi))
			if d > 0 && !math.IsInf(d, 1) {
				total += d
				reached++
			}
		}
		if total == 0 || n <= 1 {
			out[v.ID] = 0
			continue
		}
		cc := float64(reached) / total
		out[v.ID] = finite(cc * float64(reached) / float64(n-1))
	}
	return out
}

// pageRank is amount-weighted PageRank with damping 0.85.
func (g *Graph) pageRank() map[string]float64 {
	out := make(map[string]float64, len(g.nodes))
	if len(g.nodes) == 0 {
		return out
	}
	ranks := network.PageRank(g.directedView(amountWeight), pageRankDamping, pageRankTolerance)
	for _, node := range g.nodes {
		out[node.ID] = 0
	}
	for id, v := range ranks {
		out[g.nodes[id].ID] = finite(v)
	}
	return out
}

// Intermediary is a person ranked by betweenness.
type Intermediary struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Betweenness float64 `json:"betweenness"`
	InDegree    int     `json:"inDegree"`
	OutDegree   int     `json:"outDegree"`
}

// TopIntermediaries takes the limit nodes with the highest betweenness,
// ties in insertion order, and keeps the people among them.
func TopIntermediaries(g *Graph, c *Centrality, limit int) []Intermediary {
	ranked := make([]*Node, len(g.nodes))
	copy(ranked, g.nodes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return c.Betweenness[ranked[i].ID] > c.Betweenness[ranked[j].ID]
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]Intermediary, 0, len(ranked))
	for _, node := range ranked {
		if node.Kind != KindPerson {
			continue
		}
		out = append(out, Intermediary{
			ID:          node.ID,
			Label:       node.Label,
			Betweenness: c.Betweenness[node.ID],
			InDegree:    g.InDegree(node.ID),
			OutDegree:   g.OutDegree(node.ID),
		})
	}
	return out
}
