package graph

import (
	"fmt"
	"log/slog"
	"sort"

	gograph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Community detection methods.
const (
	MethodLouvain = "louvain"
	MethodGreedy  = "greedy_modularity"
	MethodNone    = "none"
)

// Community is one group of nodes.
type Community struct {
	ID      int      `json:"id"`
	Members []string `json:"members"`
	Size    int      `json:"size"`
}

// Communities is the community partition of the undirected projection.
type Communities struct {
	Method     string      `json:"method"`
	Modularity float64     `json:"modularity"`
	Groups     []Community `json:"groups"`
	Error      string      `json:"error,omitempty"`
}

// modularize is the primary community method; tests replace it to exercise
// the fallback.
var modularize = func(g gograph.Undirected) [][]gograph.Node {
	return community.Modularize(g, 1, nil).Communities()
}

// DetectCommunities partitions the graph with Louvain modularity
// optimisation, falling back to greedy modularity merging when Louvain
// fails. If both fail the result is empty with the error recorded.
func DetectCommunities(g *Graph) *Communities {
	if len(g.nodes) == 0 {
		return &Communities{Method: MethodNone, Groups: []Community{}}
	}

	ug := g.undirectedView()
	method := MethodLouvain
	groups, err := partition(func() [][]gograph.Node { return modularize(ug) })
	if err != nil {
		slog.Warn("louvain community detection failed, using greedy modularity", "error", err)
		method = MethodGreedy
		groups, err = partition(func() [][]gograph.Node { return greedyModularity(ug) })
	}
	if err != nil {
		slog.Error("community detection failed", "error", err)
		return &Communities{Method: MethodNone, Groups: []Community{}, Error: err.Error()}
	}

	result := &Communities{Method: method, Modularity: modularity(ug, groups)}

	for _, members := range groups {
		ids := make([]int, 0, len(members))
		for _, n := range members {
			ids = append(ids, int(n.ID()))
		}
		sort.Ints(ids)
		c := Community{Size: len(ids)}
		for _, i := range ids {
			c.Members = append(c.Members, g.nodes[i].ID)
		}
		result.Groups = append(result.Groups, c)
	}
	sort.SliceStable(result.Groups, func(i, j int) bool {
		a, b := result.Groups[i], result.Groups[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return g.index[a.Members[0]] < g.index[b.Members[0]]
	})
	for i := range result.Groups {
		result.Groups[i].ID = i
	}
	return result
}

func partition(fn func() [][]gograph.Node) (groups [][]gograph.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(), nil
}

func modularity(g gograph.Undirected, groups [][]gograph.Node) (q float64) {
	defer func() {
		if recover() != nil {
			q = 0
		}
	}()
	return finite(community.Q(g, groups, 1))
}

// greedyModularity merges, one pair at a time, the two connected
// communities whose union raises modularity the most, until no merge helps.
func greedyModularity(g *simple.WeightedUndirectedGraph) [][]gograph.Node {
	nodes := gograph.NodesOf(g.Nodes())
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })

	members := make(map[int64][]gograph.Node, len(nodes))
	for _, n := range nodes {
		members[n.ID()] = []gograph.Node{n}
	}

	type pair struct{ a, b int64 }
	share := make(map[pair]float64)
	degree := make(map[int64]float64)
	var total float64

	edges := g.WeightedEdges()
	for edges.Next() {
		e := edges.WeightedEdge()
		a, b := e.From().ID(), e.To().ID()
		if a > b {
			a, b = b, a
		}
		share[pair{a, b}] += e.Weight()
		degree[a] += e.Weight()
		degree[b] += e.Weight()
		total += 2 * e.Weight()
	}

	if total > 0 {
		for p, w := range share {
			share[p] = w / total
		}
		for id, d := range degree {
			degree[id] = d / total
		}

		for {
			keys := make([]pair, 0, len(share))
			for p := range share {
				keys = append(keys, p)
			}
			sort.Slice(keys, func(i, j int) bool {
				if keys[i].a != keys[j].a {
					return keys[i].a < keys[j].a
				}
				return keys[i].b < keys[j].b
			})

			var best pair
			bestGain := 0.0
			for _, p := range keys {
				gain := 2 * (share[p] - degree[p.a]*degree[p.b])
				if gain > bestGain+1e-12 {
					best, bestGain = p, gain
				}
			}
			if bestGain <= 0 {
				break
			}

			// Fold community b into a.
			keep, drop := best.a, best.b
			members[keep] = append(members[keep], members[drop]...)
			delete(members, drop)
			degree[keep] += degree[drop]
			delete(degree, drop)
			delete(share, best)
			for p, w := range share {
				if p.a != drop && p.b != drop {
					continue
				}
				delete(share, p)
				other := p.a
				if other == drop {
					other = p.b
				}
				np := pair{keep, other}
				if other < keep {
					np = pair{other, keep}
				}
				share[np] += w
			}
		}
	}

	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([][]gograph.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, members[id])
	}
	return out
}

// Components summarizes weak and strong connectivity.
type Components struct {
	WeakCount     int   `json:"weakCount"`
	StrongCount   int   `json:"strongCount"`
	LargestWeak   int   `json:"largestWeak"`
	LargestStrong int   `json:"largestStrong"`
	WeakSizes     []int `json:"weakSizes"`
	StrongSizes   []int `json:"strongSizes"`
}

// ComputeComponents counts weakly and strongly connected components.
func ComputeComponents(g *Graph) Components {
	weak := sizes(topo.ConnectedComponents(g.undirectedView()))
	strong := sizes(topo.TarjanSCC(g.directedView(unitWeight)))

	c := Components{
		WeakCount:   len(weak),
		StrongCount: len(strong),
		WeakSizes:   weak,
		StrongSizes: strong,
	}
	if len(weak) > 0 {
		c.LargestWeak = weak[0]
	}
	if len(strong) > 0 {
		c.LargestStrong = strong[0]
	}
	return c
}

func sizes(groups [][]gograph.Node) []int {
	out := make([]int, 0, len(groups))
	for _, grp := range groups {
		out = append(out, len(grp))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
