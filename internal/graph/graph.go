// Package graph builds directed money-flow graphs from case transactions
// and computes network metrics over them.
package graph

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NodeKind distinguishes people from accounts.
type NodeKind string

const (
	KindPerson  NodeKind = "person"
	KindAccount NodeKind = "account"
)

// EdgeKind distinguishes money transfers from account holding links.
type EdgeKind string

const (
	EdgeTransfer EdgeKind = "transfer"
	EdgeHolds    EdgeKind = "holds"
)

// accountPrefix keeps account node ids apart from party ids.
const accountPrefix = "acct:"

// Node is a vertex of the case graph.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	// Label is the party document for people and the account number for accounts.
	Label string `json:"label"`
}

// Edge aggregates every transaction between an ordered pair of nodes.
type Edge struct {
	Source string          `json:"source"`
	Target string          `json:"target"`
	Kind   EdgeKind        `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// Weight is the numeric edge weight used by the metrics: the summed amount
// for transfers, 1 for holding links.
func (e *Edge) Weight() float64 {
	if e.Kind == EdgeHolds {
		return 1
	}
	return e.Amount.InexactFloat64()
}

type edgeKey struct {
	source, target string
}

// Graph is a directed graph with at most one edge per ordered node pair.
// Self-loops are kept. Nodes and edges are iterated in insertion order.
type Graph struct {
	nodes []*Node
	index map[string]int

	edges   []*Edge
	byPair  map[edgeKey]*Edge
	out, in map[string][]*Edge
	loops   int
	skipped int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index:  make(map[string]int),
		byPair: make(map[edgeKey]*Edge),
		out:    make(map[string][]*Edge),
		in:     make(map[string][]*Edge),
	}
}

// Options control graph construction.
type Options struct {
	// IncludeAccounts adds account nodes linked to their holders.
	IncludeAccounts bool
}

// Build constructs the case graph. Transactions lacking either party or
// carrying a zero or negative amount are skipped and counted.
func Build(txs []*domain.Transaction, parties map[string]*domain.Party, opts Options) *Graph {
	g := New()
	for _, tx := range txs {
		if tx.OrderingPartyID == "" || tx.BeneficiaryPartyID == "" || !tx.Amount.IsPositive() {
			g.skipped++
			slog.Debug("skipping transaction", "transaction_id", tx.ID)
			continue
		}

		ordering := g.addParty(tx.OrderingPartyID, parties)
		beneficiary := g.addParty(tx.BeneficiaryPartyID, parties)
		g.link(ordering.ID, beneficiary.ID, EdgeTransfer, tx.Amount)

		if !opts.IncludeAccounts {
			continue
		}
		if tx.OrderingAccount != "" {
			acct := g.AddNode(accountPrefix+tx.OrderingAccount, KindAccount, tx.OrderingAccount)
			g.link(ordering.ID, acct.ID, EdgeHolds, decimal.Zero)
		}
		if tx.BeneficiaryAccount != "" {
			acct := g.AddNode(accountPrefix+tx.BeneficiaryAccount, KindAccount, tx.BeneficiaryAccount)
			g.link(acct.ID, beneficiary.ID, EdgeHolds, decimal.Zero)
		}
	}
	return g
}

func (g *Graph) addParty(id string, parties map[string]*domain.Party) *Node {
	label := id
	if p, ok := parties[id]; ok && p.Document != "" {
		label = p.Document
	}
	return g.AddNode(id, KindPerson, label)
}

// AddNode inserts a node if absent and returns the stored node.
func (g *Graph) AddNode(id string, kind NodeKind, label string) *Node {
	if i, ok := g.index[id]; ok {
		return g.nodes[i]
	}
	n := &Node{ID: id, Kind: kind, Label: label}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return n
}

// AddTransfer records one transaction of amount from source to target,
// creating person nodes as needed.
func (g *Graph) AddTransfer(source, target string, amount decimal.Decimal) {
	g.AddNode(source, KindPerson, source)
	g.AddNode(target, KindPerson, target)
	g.link(source, target, EdgeTransfer, amount)
}

func (g *Graph) link(source, target string, kind EdgeKind, amount decimal.Decimal) {
	key := edgeKey{source, target}
	if e, ok := g.byPair[key]; ok {
		e.Amount = e.Amount.Add(amount)
		e.Count++
		return
	}
	e := &Edge{Source: source, Target: target, Kind: kind, Amount: amount, Count: 1}
	g.byPair[key] = e
	g.edges = append(g.edges, e)
	if source == target {
		g.loops++
	}
	g.out[source] = append(g.out[source], e)
	g.in[target] = append(g.in[target], e)
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []*Edge { return g.edges }

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Edge looks up the edge from source to target.
func (g *Graph) Edge(source, target string) (*Edge, bool) {
	e, ok := g.byPair[edgeKey{source, target}]
	return e, ok
}

// Out returns the edges leaving a node.
func (g *Graph) Out(id string) []*Edge { return g.out[id] }

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Skipped returns how many transactions Build rejected.
func (g *Graph) Skipped() int { return g.skipped }

// InDegree returns the number of edges entering a node.
func (g *Graph) InDegree(id string) int { return len(g.in[id]) }

// OutDegree returns the number of edges leaving a node.
func (g *Graph) OutDegree(id string) int { return len(g.out[id]) }

// Degree is in-degree plus out-degree; a self-loop counts twice.
func (g *Graph) Degree(id string) int { return len(g.in[id]) + len(g.out[id]) }

// HasSelfLoop reports whether a node transfers to itself.
func (g *Graph) HasSelfLoop(id string) bool {
	_, ok := g.byPair[edgeKey{id, id}]
	return ok
}

// Density is edges between distinct nodes over the n(n-1) possible ordered
// pairs. Self-loops are not counted, so the result stays within [0, 1].
func (g *Graph) Density() float64 {
	n := len(g.nodes)
	if n <= 1 {
		return 0
	}
	return float64(len(g.edges)-g.loops) / float64(n*(n-1))
}

// DensitySummary describes graph size and sparsity.
type DensitySummary struct {
	Density       float64 `json:"density"`
	NodeCount     int     `json:"nodeCount"`
	EdgeCount     int     `json:"edgeCount"`
	AverageDegree float64 `json:"averageDegree"`
}

// Summary returns the density summary; an empty graph reports zeros.
func (g *Graph) Summary() DensitySummary {
	s := DensitySummary{
		Density:   g.Density(),
		NodeCount: len(g.nodes),
		EdgeCount: len(g.edges),
	}
	if s.NodeCount > 0 {
		s.AverageDegree = 2 * float64(s.EdgeCount) / float64(s.NodeCount)
	}
	return s
}
