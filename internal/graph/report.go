package graph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// intermediaryLimit is how many nodes the report ranks by betweenness.
const intermediaryLimit = 10

var tracer = otel.Tracer("kestrel-graph")

// Report is the full network analysis of a case graph.
type Report struct {
	SkippedRecords int            `json:"skippedRecords"`
	Centrality     *Centrality    `json:"centrality"`
	Intermediaries []Intermediary `json:"intermediaries"`
	Communities    *Communities   `json:"communities"`
	Components     Components     `json:"components"`
	Density        DensitySummary `json:"density"`
	Projection     Projection     `json:"projection"`
	GeneratedAt    time.Time      `json:"generatedAt"`
}

// BuildReport runs every metric over g. Failures of individual metrics are
// carried inside the report; only cancellation aborts it.
func BuildReport(ctx context.Context, g *Graph) (*Report, error) {
	ctx, span := tracer.Start(ctx, "graph.report")
	defer span.End()
	span.SetAttributes(
		attribute.Int("graph.nodes", g.NodeCount()),
		attribute.Int("graph.edges", g.EdgeCount()),
	)

	centrality, err := ComputeCentrality(ctx, g)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Report{
		SkippedRecords: g.Skipped(),
		Centrality:     centrality,
		Intermediaries: TopIntermediaries(g, centrality, intermediaryLimit),
		Communities:    DetectCommunities(g),
		Components:     ComputeComponents(g),
		Density:        g.Summary(),
		Projection:     Project(g),
		GeneratedAt:    time.Now().UTC(),
	}, nil
}
