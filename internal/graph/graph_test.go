package graph

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gograph "gonum.org/v1/gonum/graph"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func transfer(id, from, to string, amount int64) *domain.Transaction {
	return &domain.Transaction{
		ID:                 id,
		OrderingPartyID:    from,
		BeneficiaryPartyID: to,
		Amount:             decimal.NewFromInt(amount),
		OperationDate:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func chain() *Graph {
	return Build([]*domain.Transaction{
		transfer("t1", "A", "B", 100),
		transfer("t2", "B", "C", 100),
	}, nil, Options{})
}

func TestBuild(t *testing.T) {
	txs := []*domain.Transaction{
		transfer("t1", "A", "B", 100),
		transfer("t2", "A", "B", 50),
		transfer("t3", "B", "C", 30),
		{ID: "t4", OrderingPartyID: "A", Amount: decimal.NewFromInt(5)},
	}
	txs[0].OrderingAccount = "111"
	txs[0].BeneficiaryAccount = "222"

	parties := map[string]*domain.Party{"A": {ID: "A", Document: "DOC-A"}}

	t.Run("CollapsesParallelTransfers", func(t *testing.T) {
		g := Build(txs, parties, Options{})
		require.Equal(t, 3, g.NodeCount())
		require.Equal(t, 2, g.EdgeCount())
		assert.Equal(t, 1, g.Skipped())

		e, ok := g.Edge("A", "B")
		require.True(t, ok)
		assert.Equal(t, 2, e.Count)
		assert.True(t, e.Amount.Equal(decimal.NewFromInt(150)))

		total := decimal.Zero
		count := 0
		for _, e := range g.Edges() {
			total = total.Add(e.Amount)
			count += e.Count
		}
		assert.True(t, total.Equal(decimal.NewFromInt(180)), "edge amounts must sum to the transaction total")
		assert.Equal(t, 3, count)

		a, _ := g.Node("A")
		assert.Equal(t, "DOC-A", a.Label)
		b, _ := g.Node("B")
		assert.Equal(t, "B", b.Label, "unknown parties are labelled by id")
	})

	t.Run("AccountNodes", func(t *testing.T) {
		g := Build(txs, parties, Options{IncludeAccounts: true})
		assert.Equal(t, 5, g.NodeCount())

		holds, ok := g.Edge("A", "acct:111")
		require.True(t, ok)
		assert.Equal(t, EdgeHolds, holds.Kind)
		assert.Equal(t, 1.0, holds.Weight())

		_, ok = g.Edge("acct:222", "B")
		assert.True(t, ok)

		acct, _ := g.Node("acct:111")
		assert.Equal(t, KindAccount, acct.Kind)
	})

	t.Run("KeepsSelfLoops", func(t *testing.T) {
		g := Build([]*domain.Transaction{transfer("t1", "A", "A", 10)}, nil, Options{})
		assert.Equal(t, 1, g.EdgeCount())
		assert.Equal(t, 2, g.Degree("A"))
		assert.True(t, g.HasSelfLoop("A"))
	})

	t.Run("SkipsZeroAmounts", func(t *testing.T) {
		g := Build([]*domain.Transaction{
			transfer("t1", "A", "B", 0),
			transfer("t2", "B", "C", 10),
		}, nil, Options{})
		assert.Equal(t, 1, g.EdgeCount())
		assert.Equal(t, 1, g.Skipped())
		_, ok := g.Edge("A", "B")
		assert.False(t, ok)
	})
}

func TestSelfLoopsStayNormalized(t *testing.T) {
	g := Build([]*domain.Transaction{
		transfer("t1", "A", "A", 10),
		transfer("t2", "B", "B", 10),
		transfer("t3", "A", "B", 10),
		transfer("t4", "B", "A", 10),
	}, nil, Options{})

	assert.InDelta(t, 1.0, g.Density(), 1e-9)
	assert.Equal(t, 4, g.Summary().EdgeCount)

	c, err := ComputeCentrality(context.Background(), g)
	require.NoError(t, err)
	for _, measure := range []map[string]float64{c.Degree, c.InDegree, c.OutDegree} {
		for id, v := range measure {
			assert.GreaterOrEqual(t, v, 0.0, id)
			assert.LessOrEqual(t, v, 1.0, id)
		}
	}
	assert.InDelta(t, 1.0, c.InDegree["A"], 1e-9)
	assert.InDelta(t, 1.0, c.OutDegree["B"], 1e-9)
}

func TestCentrality(t *testing.T) {
	ctx := context.Background()

	t.Run("Chain", func(t *testing.T) {
		c, err := ComputeCentrality(ctx, chain())
		require.NoError(t, err)
		assert.Empty(t, c.Errors)

		assert.InDelta(t, 0.5, c.Degree["A"], 1e-9)
		assert.InDelta(t, 1.0, c.Degree["B"], 1e-9)
		assert.InDelta(t, 0.5, c.InDegree["C"], 1e-9)
		assert.InDelta(t, 0.0, c.OutDegree["C"], 1e-9)

		assert.InDelta(t, 0.5, c.Betweenness["B"], 1e-9)
		assert.InDelta(t, 0.0, c.Betweenness["A"], 1e-9)

		assert.InDelta(t, 0.0, c.Closeness["A"], 1e-9)
		assert.InDelta(t, 0.5, c.Closeness["B"], 1e-9)
		assert.InDelta(t, 2.0/3.0, c.Closeness["C"], 1e-9)

		for _, id := range []string{"A", "B", "C"} {
			assert.Greater(t, c.PageRank[id], 0.0)
		}
		assert.Greater(t, c.PageRank["C"], c.PageRank["A"])
	})

	t.Run("EmptyGraph", func(t *testing.T) {
		c, err := ComputeCentrality(ctx, New())
		require.NoError(t, err)
		for name, values := range c.Measures() {
			assert.Empty(t, values, name)
		}
	})

	t.Run("SingleNode", func(t *testing.T) {
		g := New()
		g.AddNode("A", KindPerson, "A")
		c, err := ComputeCentrality(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, 1.0, c.Degree["A"])
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ComputeCentrality(cctx, chain())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Intermediaries", func(t *testing.T) {
		g := chain()
		c, err := ComputeCentrality(ctx, g)
		require.NoError(t, err)
		top := TopIntermediaries(g, c, 1)
		require.Len(t, top, 1)
		assert.Equal(t, "B", top[0].ID)
		assert.Equal(t, 1, top[0].InDegree)
		assert.Equal(t, 1, top[0].OutDegree)

		again := TopIntermediaries(g, c, 10)
		assert.Equal(t, again, TopIntermediaries(g, c, 10), "ranking must be stable")
	})
}

func twoTriangles() *Graph {
	g := New()
	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}, {"D", "E"}, {"E", "F"}, {"F", "D"}} {
		g.AddTransfer(e[0], e[1], decimal.NewFromInt(100))
	}
	g.AddTransfer("C", "D", decimal.NewFromInt(1))
	return g
}

func TestCommunities(t *testing.T) {
	t.Run("Louvain", func(t *testing.T) {
		c := DetectCommunities(twoTriangles())
		assert.Equal(t, MethodLouvain, c.Method)
		require.Len(t, c.Groups, 2)
		assert.Equal(t, 3, c.Groups[0].Size)
		assert.Equal(t, 3, c.Groups[1].Size)
		assert.Greater(t, c.Modularity, 0.0)
	})

	t.Run("GreedyFallback", func(t *testing.T) {
		orig := modularize
		modularize = func(gograph.Undirected) [][]gograph.Node { panic("boom") }
		defer func() { modularize = orig }()

		c := DetectCommunities(twoTriangles())
		assert.Equal(t, MethodGreedy, c.Method)
		require.Len(t, c.Groups, 2)
		assert.Equal(t, []string{"A", "B", "C"}, c.Groups[0].Members)
		assert.Equal(t, []string{"D", "E", "F"}, c.Groups[1].Members)
	})

	t.Run("Empty", func(t *testing.T) {
		c := DetectCommunities(New())
		assert.Equal(t, MethodNone, c.Method)
		assert.Empty(t, c.Groups)
	})
}

func TestComponentsAndDensity(t *testing.T) {
	g := New()
	g.AddTransfer("A", "B", decimal.NewFromInt(1))
	g.AddTransfer("B", "A", decimal.NewFromInt(1))
	g.AddTransfer("C", "D", decimal.NewFromInt(1))

	c := ComputeComponents(g)
	assert.Equal(t, 2, c.WeakCount)
	assert.Equal(t, 2, c.LargestWeak)
	assert.Equal(t, 3, c.StrongCount)
	assert.Equal(t, 2, c.LargestStrong)

	assert.InDelta(t, 3.0/12.0, g.Density(), 1e-9)
	assert.Equal(t, 0.0, New().Density())
}

func TestCriticalNodes(t *testing.T) {
	g := New()
	for _, leaf := range []string{"L1", "L2", "L3", "L4", "L5"} {
		g.AddTransfer("HUB", leaf, decimal.NewFromInt(10))
	}
	c, err := ComputeCentrality(context.Background(), g)
	require.NoError(t, err)

	res, err := FindCriticalNodes(g, c, 100)
	require.NoError(t, err)
	require.NotEmpty(t, res.Nodes)
	assert.Equal(t, "HUB", res.Nodes[0].ID)
	assert.Contains(t, res.Nodes[0].Exceeded, MeasureDegree)
	assert.Contains(t, res.Nodes[0].Exceeded, MeasureOutDegree)
	for _, n := range res.Nodes[1:] {
		assert.NotContains(t, n.Exceeded, MeasureDegree, n.ID)
		assert.NotContains(t, n.Exceeded, MeasureOutDegree, n.ID)
	}

	_, err = FindCriticalNodes(g, c, 120)
	assert.Error(t, err)

	t.Run("SkipsEmptyMeasures", func(t *testing.T) {
		partial := &Centrality{Degree: c.Degree}
		res, err := FindCriticalNodes(g, partial, 100)
		require.NoError(t, err)
		assert.Len(t, res.Thresholds, 1)
		assert.Len(t, res.Nodes, 1)
	})
}

func TestTopPaths(t *testing.T) {
	g := New()
	g.AddTransfer("A", "B", decimal.NewFromInt(100))
	g.AddTransfer("B", "D", decimal.NewFromInt(100))
	g.AddTransfer("A", "C", decimal.NewFromInt(500))
	g.AddTransfer("C", "D", decimal.NewFromInt(500))
	g.AddTransfer("A", "D", decimal.NewFromInt(10))
	ctx := context.Background()

	paths, err := TopPaths(ctx, g, "A", "D", 6, 2)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, []string{"A", "C", "D"}, paths[0].Nodes)
	assert.Equal(t, []string{"A", "B", "D"}, paths[1].Nodes)
	assert.True(t, paths[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 2, paths[0].Hops)

	direct, err := TopPaths(ctx, g, "A", "D", 1, 5)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, []string{"A", "D"}, direct[0].Nodes)

	none, err := TopPaths(ctx, g, "A", "Z", 6, 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = TopPaths(cctx, g, "A", "D", 6, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProjection(t *testing.T) {
	g := New()
	g.AddNode("A", KindPerson, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	g.AddTransfer("A", "B", decimal.NewFromInt(42))

	p := Project(g)
	require.Len(t, p.Nodes, 2)
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRST", p.Nodes[0].Label)
	assert.Equal(t, 12, p.Nodes[0].Size)
	require.Len(t, p.Links, 1)
	assert.Equal(t, 42.0, p.Links[0].Value)
	assert.Equal(t, 1, p.Links[0].Count)
}

func TestBuildReport(t *testing.T) {
	t.Run("WithSelfLoop", func(t *testing.T) {
		g := chain()
		g.AddTransfer("C", "C", decimal.NewFromInt(7))
		r, err := BuildReport(context.Background(), g)
		require.NoError(t, err)
		assert.Equal(t, 3, r.Density.NodeCount)
		assert.Equal(t, 3, r.Density.EdgeCount)
		assert.InDelta(t, 2.0, r.Density.AverageDegree, 1e-9)
		assert.Empty(t, r.Centrality.Errors)
		assert.NotEmpty(t, r.Intermediaries)
	})

	t.Run("Empty", func(t *testing.T) {
		r, err := BuildReport(context.Background(), New())
		require.NoError(t, err)
		assert.Equal(t, 0, r.Density.NodeCount)
		assert.Equal(t, 0.0, r.Density.AverageDegree)
		assert.Equal(t, 0, r.Components.WeakCount)
	})
}
