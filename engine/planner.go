package engine

import (
	"sort"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
)

// Planner linearizes a resolved dependency graph into a BuildPlan. The
// order is a strict topological order on the requires/provides edges; ties
// among unconstrained items are broken by declaration order, so identical
// feature definitions always produce the identical plan.
type Planner struct{}

func NewPlanner() *Planner {
	return &Planner{}
}

func (p *Planner) Plan(graph *Graph) (*types.BuildPlan, error) {
	n := len(graph.Nodes)
	inDegree := make([]int, n)
	for _, node := range graph.Nodes {
		inDegree[node.Index] = len(node.Dependencies)
	}

	// Kahn's algorithm with the ready set drained in ascending declaration
	// index. The ready slice stays sorted because candidates are inserted
	// in order and the minimum is always taken first.
	var ready []int
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	plan := &types.BuildPlan{}
	level := make([]int, n)

	for len(ready) > 0 {
		sort.Ints(ready)
		current := ready[0]
		ready = ready[1:]

		node := graph.Nodes[current]
		for _, dep := range node.Dependencies {
			if level[dep]+1 > level[current] {
				level[current] = level[dep] + 1
			}
		}
		plan.Items = append(plan.Items, node.Item)

		for len(plan.Levels) <= level[current] {
			plan.Levels = append(plan.Levels, nil)
		}
		plan.Levels[level[current]] = append(plan.Levels[level[current]], len(plan.Items)-1)

		for _, dependent := range node.Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(plan.Items) != n {
		var stuck []string
		for i := 0; i < n; i++ {
			if inDegree[i] > 0 {
				stuck = append(stuck, graph.Nodes[i].Item.ID())
			}
		}
		return nil, errors.NewCycleError(errors.PhaseResolution, stuck)
	}

	return plan, nil
}
