package graph

const labelLimit = 20

// VisNode is a node prepared for rendering.
type VisNode struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Kind  NodeKind `json:"kind"`
	Size  int      `json:"size"`
}

// VisLink is an edge prepared for rendering.
type VisLink struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
	Value  float64  `json:"value"`
	Count  int      `json:"count"`
}

// Projection is the visualization view of a graph.
type Projection struct {
	Nodes []VisNode `json:"nodes"`
	Links []VisLink `json:"links"`
}

// Project maps the graph onto renderable nodes and links. Labels are cut to
// 20 characters and node size is degree*2 + 10.
func Project(g *Graph) Projection {
	p := Projection{
		Nodes: make([]VisNode, 0, len(g.nodes)),
		Links: make([]VisLink, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		label := []rune(n.Label)
		if len(label) > labelLimit {
			label = label[:labelLimit]
		}
		p.Nodes = append(p.Nodes, VisNode{
			ID:    n.ID,
			Label: string(label),
			Kind:  n.Kind,
			Size:  g.Degree(n.ID)*2 + 10,
		})
	}
	for _, e := range g.edges {
		p.Links = append(p.Links, VisLink{
			Source: e.Source,
			Target: e.Target,
			Kind:   e.Kind,
			Value:  e.Weight(),
			Count:  e.Count,
		})
	}
	return p
}
