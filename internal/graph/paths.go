package graph

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Path is a simple path between two parties.
type Path struct {
	Nodes  []string        `json:"nodes"`
	Hops   int             `json:"hops"`
	Amount decimal.Decimal `json:"amount"`
	Weight float64         `json:"weight"`
}

// TopPaths enumerates simple transfer paths from origin to destination with
// at most cutoff edges and returns the limit heaviest by summed amount.
// Unknown endpoints yield an empty result. The search checks ctx at every
// step.
func TopPaths(ctx context.Context, g *Graph, origin, destination string, cutoff, limit int) ([]Path, error) {
	paths := []Path{}
	if origin == destination || cutoff < 1 {
		return paths, nil
	}
	if _, ok := g.Node(origin); !ok {
		return paths, nil
	}
	if _, ok := g.Node(destination); !ok {
		return paths, nil
	}

	type frame struct {
		node string
		next int
	}
	stack := []frame{{node: origin}}
	onPath := map[string]bool{origin: true}
	var trail []*Edge

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		top := &stack[len(stack)-1]
		outs := g.out[top.node]
		if top.next >= len(outs) || len(trail) >= cutoff {
			delete(onPath, top.node)
			stack = stack[:len(stack)-1]
			if len(trail) > 0 {
				trail = trail[:len(trail)-1]
			}
			continue
		}

		e := outs[top.next]
		top.next++
		if e.Kind != EdgeTransfer || onPath[e.Target] {
			continue
		}
		if e.Target == destination {
			paths = append(paths, newPath(origin, append(trail[:len(trail):len(trail)], e)))
			continue
		}

		stack = append(stack, frame{node: e.Target})
		onPath[e.Target] = true
		trail = append(trail, e)
	}

	sort.SliceStable(paths, func(i, j int) bool { return paths[i].Weight > paths[j].Weight })
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

func newPath(origin string, edges []*Edge) Path {
	p := Path{Nodes: []string{origin}, Hops: len(edges), Amount: decimal.Zero}
	for _, e := range edges {
		p.Nodes = append(p.Nodes, e.Target)
		p.Amount = p.Amount.Add(e.Amount)
	}
	p.Weight = p.Amount.InexactFloat64()
	return p
}
