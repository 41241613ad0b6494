package graph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// CriticalNode is a person node reaching the percentile threshold in at
// least one measure.
type CriticalNode struct {
	ID       string             `json:"id"`
	Label    string             `json:"label"`
	Exceeded map[string]float64 `json:"exceeded"`
}

// CriticalNodes is the result of a percentile screen over centrality.
type CriticalNodes struct {
	Percentile float64            `json:"percentile"`
	Thresholds map[string]float64 `json:"thresholds"`
	Nodes      []CriticalNode     `json:"nodes"`
}

// FindCriticalNodes returns person nodes at or above the given percentile
// (0-100) of any centrality measure. Empty measures are ignored.
func FindCriticalNodes(g *Graph, c *Centrality, percentile float64) (*CriticalNodes, error) {
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("percentile %.2f outside 0..100", percentile)
	}

	result := &CriticalNodes{
		Percentile: percentile,
		Thresholds: make(map[string]float64),
		Nodes:      []CriticalNode{},
	}

	measures := c.Measures()
	for _, name := range measureOrder {
		values := measures[name]
		if len(values) == 0 {
			continue
		}
		sorted := make([]float64, 0, len(values))
		for _, v := range values {
			sorted = append(sorted, v)
		}
		sort.Float64s(sorted)
		result.Thresholds[name] = stat.Quantile(percentile/100, stat.LinInterp, sorted, nil)
	}

	for _, node := range g.nodes {
		if node.Kind != KindPerson {
			continue
		}
		exceeded := make(map[string]float64)
		for _, name := range measureOrder {
			threshold, ok := result.Thresholds[name]
			if !ok {
				continue
			}
			if v, ok := measures[name][node.ID]; ok && v >= threshold {
				exceeded[name] = v
			}
		}
		if len(exceeded) > 0 {
			result.Nodes = append(result.Nodes, CriticalNode{ID: node.ID, Label: node.Label, Exceeded: exceeded})
		}
	}
	return result, nil
}
