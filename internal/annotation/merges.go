package annotation

import (
	"strings"
	"time"
)

// MergeEdge declares that From belongs to the bundle of Into.
type MergeEdge struct {
	Bucket   BucketKey  `json:"bucket"`
	From     string     `json:"fromSuggestionId"`
	Into     string     `json:"intoSuggestionId"`
	Note     string     `json:"note,omitempty"`
	By       string     `json:"by"`
	At       time.Time  `json:"at"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
}

func (m MergeEdge) clone() MergeEdge {
	out := m
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	return out
}

// MergeGraph keeps at most one outgoing edge per suggestion. Cycles are not
// rejected when edges are added; Resolve detects them.
type MergeGraph struct {
	edges map[string]MergeEdge
	order []string
}

func NewMergeGraph() *MergeGraph {
	return &MergeGraph{edges: make(map[string]MergeEdge)}
}

// Add stores edge, replacing any existing edge from the same suggestion. The
// replaced edge is returned when there was one.
func (g *MergeGraph) Add(edge MergeEdge) (MergeEdge, bool, error) {
	edge.From = strings.TrimSpace(edge.From)
	edge.Into = strings.TrimSpace(edge.Into)
	if edge.From == "" {
		return MergeEdge{}, false, invalid("fromSuggestionId", "is required")
	}
	if edge.Into == "" {
		return MergeEdge{}, false, invalid("intoSuggestionId", "is required")
	}
	if edge.From == edge.Into {
		return MergeEdge{}, false, invalid("intoSuggestionId", "cannot merge a suggestion into itself")
	}
	previous, replaced := g.Detach(edge.From)
	g.edges[edge.From] = edge
	g.order = append(g.order, edge.From)
	return previous, replaced, nil
}

func (g *MergeGraph) Detach(from string) (MergeEdge, bool) {
	edge, ok := g.edges[from]
	if !ok {
		return MergeEdge{}, false
	}
	delete(g.edges, from)
	for i, id := range g.order {
		if id == from {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return edge, true
}

func (g *MergeGraph) EditNote(from, note string, at time.Time) (MergeEdge, bool) {
	edge, ok := g.edges[from]
	if !ok {
		return MergeEdge{}, false
	}
	edge.Note = note
	edge.EditedAt = &at
	g.edges[from] = edge
	return edge.clone(), true
}

func (g *MergeGraph) Edge(from string) (MergeEdge, bool) {
	edge, ok := g.edges[from]
	if !ok {
		return MergeEdge{}, false
	}
	return edge.clone(), true
}

// Edges returns all edges in the order they were added.
func (g *MergeGraph) Edges() []MergeEdge {
	out := make([]MergeEdge, 0, len(g.order))
	for _, from := range g.order {
		out = append(out, g.edges[from].clone())
	}
	return out
}

func (g *MergeGraph) Len() int {
	return len(g.edges)
}

// Resolve follows edges from id to the suggestion that has none. It reports
// false when the walk revisits a node.
func (g *MergeGraph) Resolve(id string) (string, bool) {
	seen := make(map[string]struct{})
	current := id
	for {
		if _, loop := seen[current]; loop {
			return "", false
		}
		seen[current] = struct{}{}
		edge, ok := g.edges[current]
		if !ok {
			return current, true
		}
		current = edge.Into
	}
}

// BundleMembersOf returns the suggestions other than canonical that resolve
// to it, in edge order.
func (g *MergeGraph) BundleMembersOf(canonical string) []string {
	var out []string
	for _, from := range g.order {
		if from == canonical {
			continue
		}
		if root, ok := g.Resolve(from); ok && root == canonical {
			out = append(out, from)
		}
	}
	return out
}

// RemoveReferencing drops every edge touching id. Edges that pointed into id
// are returned; their sources become roots again.
func (g *MergeGraph) RemoveReferencing(id string) []MergeEdge {
	g.Detach(id)
	var broken []MergeEdge
	for _, from := range append([]string(nil), g.order...) {
		if g.edges[from].Into == id {
			edge, _ := g.Detach(from)
			broken = append(broken, edge)
		}
	}
	return broken
}
