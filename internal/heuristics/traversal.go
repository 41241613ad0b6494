package heuristics

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxChainDepth is the hard limit on links followed by the chain search,
// whatever the configured minimum.
const MaxChainDepth = 10

// hop is one transaction edge of the traversal graph.
type hop struct {
	to string
	tx *domain.Transaction
}

// adjacency indexes transactions by ordering party. Edges keep transaction
// order; start nodes are listed in order of first appearance.
func adjacency(txs []*domain.Transaction) (map[string][]hop, []string) {
	adj := make(map[string][]hop)
	var starts []string
	for _, tx := range txs {
		if _, ok := adj[tx.OrderingPartyID]; !ok {
			starts = append(starts, tx.OrderingPartyID)
		}
		adj[tx.OrderingPartyID] = append(adj[tx.OrderingPartyID], hop{to: tx.BeneficiaryPartyID, tx: tx})
	}
	return adj, starts
}

// walk is an iterative depth-first search from start that never revisits a
// node on the current path. onEdge sees every edge considered from the tip
// of path. The search descends along an edge only while the path is shorter
// than maxDepth, and onEnter sees the path after each descent. ctx is checked
// before every step.
func walk(ctx context.Context, adj map[string][]hop, start string, maxDepth int,
	onEdge func(path []hop, e hop), onEnter func(path []hop)) error {

	type frame struct {
		node string
		next int
	}
	stack := []frame{{node: start}}
	onPath := map[string]bool{start: true}
	var path []hop

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		top := &stack[len(stack)-1]
		edges := adj[top.node]
		if top.next >= len(edges) {
			delete(onPath, top.node)
			stack = stack[:len(stack)-1]
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
			continue
		}

		e := edges[top.next]
		top.next++
		if onEdge != nil {
			onEdge(path, e)
		}
		if onPath[e.to] || len(path) >= maxDepth {
			continue
		}

		path = append(path, e)
		onPath[e.to] = true
		stack = append(stack, frame{node: e.to})
		if onEnter != nil {
			onEnter(path)
		}
	}
	return nil
}

// DetectChains reports layering chains: simple paths of at least MinLinks
// transfers among transactions of the last WindowDays. Paths are never
// longer than MaxChainDepth links.
func DetectChains(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	adj, starts := adjacency(s.Since(p.WindowDays))

	var out []Candidate
	for _, start := range starts {
		err := walk(ctx, adj, start, MaxChainDepth, nil, func(path []hop) {
			if len(path) >= p.MinLinks {
				out = append(out, pathCandidate(start, path, "links"))
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DetectCycles reports circular flows: paths that return to their origin
// after at least two intermediate transfers and at most MaxHops transfers in
// total, among transactions of the last LookbackDays. Every node is tried as
// an origin, so one cycle is reported once per member it passes through.
func DetectCycles(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	adj, starts := adjacency(s.Since(p.LookbackDays))

	var out []Candidate
	for _, origin := range starts {
		err := walk(ctx, adj, origin, p.MaxHops-1, func(path []hop, e hop) {
			if e.to != origin || len(path) < 2 || len(path)+1 > p.MaxHops {
				return
			}
			cycle := append(append([]hop(nil), path...), e)
			out = append(out, pathCandidate(origin, cycle, "length"))
		}, nil)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func pathCandidate(origin string, path []hop, lengthKey string) Candidate {
	parties := []string{origin}
	ids := make([]string, 0, len(path))
	amount := decimal.Zero
	for _, h := range path {
		parties = append(parties, h.to)
		ids = append(ids, h.tx.ID)
		amount = amount.Add(h.tx.Amount)
	}
	first, last := path[0].tx.Day(), path[0].tx.Day()
	for _, h := range path[1:] {
		d := h.tx.Day()
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}

	return Candidate{
		PartyID:        origin,
		CounterpartyID: path[len(path)-1].to,
		Count:          len(path),
		Amount:         amount,
		TransactionIDs: ids,
		Evidence: map[string]any{
			"origin":       origin,
			"parties":      parties,
			lengthKey:      len(path),
			"total_amount": amount,
			"first_date":   first.Format(dateLayout),
			"last_date":    last.Format(dateLayout),
		},
	}
}
