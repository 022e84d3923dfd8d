package education

import (
	"math"
	"sort"

	"butlerd/internal/domain"
)

// nodeKey is the deterministic tie-break ordering for the sort frontier.
type nodeKey struct {
	depth       int
	effort      float64 // effort_minutes, or +Inf when unset
	masteryRank int     // diagnosed/learning first
	label       string
}

func keyOf(n *domain.MindMapNode) nodeKey {
	effort := math.Inf(1)
	if n.EffortMinutes != nil {
		effort = float64(*n.EffortMinutes)
	}
	rank := 1
	if n.MasteryStatus == domain.MasteryDiagnosed || n.MasteryStatus == domain.MasteryLearning {
		rank = 0
	}
	return nodeKey{depth: n.Depth, effort: effort, masteryRank: rank, label: n.Label}
}

func (a nodeKey) less(b nodeKey) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	if a.effort != b.effort {
		return a.effort < b.effort
	}
	if a.masteryRank != b.masteryRank {
		return a.masteryRank < b.masteryRank
	}
	return a.label < b.label
}

// TopoSort orders the map's nodes with Kahn's algorithm over prerequisite
// edges, breaking ties by (depth, effort, mastery rank, label). The frontier
// is re-sorted each step for full determinism. Returns node ids in order.
//
// A prerequisite cycle is a hard error, detected by DFS before sorting.
func TopoSort(nodes []domain.MindMapNode, edges []domain.MindMapEdge) ([]string, error) {
	const op = "Curriculum.TopoSort"
	if len(nodes) > domain.MaxMapNodes {
		return nil, domain.NewDomainError(op, domain.ErrMapLimitExceeded, "too many nodes")
	}

	byID := make(map[string]*domain.MindMapNode, len(nodes))
	for i := range nodes {
		if nodes[i].Depth > domain.MaxMapDepth {
			return nil, domain.NewDomainError(op, domain.ErrMapLimitExceeded, "depth limit exceeded")
		}
		byID[nodes[i].ID] = &nodes[i]
	}

	// parent -> children over prerequisite edges only.
	children := make(map[string][]string)
	indegree := make(map[string]int, len(nodes))
	for id := range byID {
		indegree[id] = 0
	}
	for _, e := range edges {
		if e.EdgeType != domain.EdgePrerequisite {
			continue
		}
		if _, ok := byID[e.ParentNodeID]; !ok {
			continue
		}
		if _, ok := byID[e.ChildNodeID]; !ok {
			continue
		}
		children[e.ParentNodeID] = append(children[e.ParentNodeID], e.ChildNodeID)
		indegree[e.ChildNodeID]++
	}

	if hasCycle(byID, children) {
		return nil, domain.WrapOp(op, domain.ErrCycleDetected)
	}

	frontier := make([]string, 0, len(nodes))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return keyOf(byID[frontier[i]]).less(keyOf(byID[frontier[j]]))
		})
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				frontier = append(frontier, child)
			}
		}
	}
	return order, nil
}

// hasCycle runs a recursive three-color DFS over prerequisite edges.
func hasCycle(nodes map[string]*domain.MindMapNode, children map[string][]string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, c := range children[id] {
			switch color[c] {
			case gray:
				return true
			case white:
				if visit(c) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range nodes {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Sequence assigns 1-based sequence numbers from a topological order.
func Sequence(order []string) map[string]int {
	seq := make(map[string]int, len(order))
	for i, id := range order {
		seq[id] = i + 1
	}
	return seq
}

// FrontierNode returns the id of the unmastered node with the lowest
// sequence whose prerequisite parents are all mastered, or "" when no such
// node exists.
func FrontierNode(nodes []domain.MindMapNode, edges []domain.MindMapEdge) string {
	mastered := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		mastered[n.ID] = n.MasteryStatus == domain.MasteryMastered
	}

	parents := make(map[string][]string)
	for _, e := range edges {
		if e.EdgeType != domain.EdgePrerequisite {
			continue
		}
		parents[e.ChildNodeID] = append(parents[e.ChildNodeID], e.ParentNodeID)
	}

	best := ""
	bestSeq := math.MaxInt
	for _, n := range nodes {
		if mastered[n.ID] || n.Sequence == nil {
			continue
		}
		ready := true
		for _, p := range parents[n.ID] {
			if !mastered[p] {
				ready = false
				break
			}
		}
		if ready && *n.Sequence < bestSeq {
			bestSeq = *n.Sequence
			best = n.ID
		}
	}
	return best
}
