// Package scheduler compiles workflow graphs into step plans and enqueues
// executions onto the event bus.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/doctorsflow/engage/pkg/models"
)

var (
	// ErrNoTriggerNode indicates the graph has no trigger node to start from.
	ErrNoTriggerNode = errors.New("workflow has no trigger node")

	// ErrCyclicGraph indicates the graph reachable from the trigger contains
	// a cycle.
	ErrCyclicGraph = errors.New("workflow graph contains a cycle")
)

// Compile flattens a workflow graph into an ordered step plan. Traversal is
// breadth-first from the trigger node in edge order; delay nodes accumulate
// day offsets, branch nodes pass through, nodes unreachable from the trigger
// are ignored. Actionable nodes on a delay-free path get ordinal day offsets
// so consecutive messages land on consecutive days.
func Compile(def *models.WorkflowDefinition) ([]models.Step, error) {
	trigger := def.TriggerNode()
	if trigger == nil {
		return nil, ErrNoTriggerNode
	}

	nodes := make(map[string]*models.WorkflowNode, len(def.Nodes))
	for _, node := range def.Nodes {
		nodes[node.ID] = node
	}

	adjacency := make(map[string][]string, len(def.Edges))
	for _, edge := range def.Edges {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	if err := detectCycle(trigger.ID, adjacency); err != nil {
		return nil, err
	}

	type frame struct {
		id       string
		offset   int
		sawDelay bool
	}

	queue := []frame{{id: trigger.ID}}
	visited := map[string]bool{trigger.ID: true}
	steps := make([]models.Step, 0)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		node, ok := nodes[current.id]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %s", current.id)
		}

		offset := current.offset
		sawDelay := current.sawDelay

		switch {
		case node.Kind == models.NodeKindDelay:
			offset += node.DelayDays
			sawDelay = true
		case node.Kind.Actionable():
			dayOffset := offset
			if !sawDelay {
				dayOffset = len(steps) + 1
			}

			steps = append(steps, models.Step{
				Index:        len(steps),
				NodeID:       node.ID,
				DayOffset:    dayOffset,
				Channel:      node.Channel,
				Content:      node.Content,
				RequiredVars: node.RequiredVars,
			})
		}

		for _, next := range adjacency[current.id] {
			if visited[next] {
				continue
			}

			visited[next] = true
			queue = append(queue, frame{id: next, offset: offset, sawDelay: sawDelay})
		}
	}

	return steps, nil
}

// detectCycle walks the subgraph reachable from start with depth-first
// coloring.
func detectCycle(start string, adjacency map[string][]string) error {
	const (
		white = iota
		gray
		black
	)

	color := map[string]int{}

	var visit func(id string) error

	visit = func(id string) error {
		color[id] = gray

		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				return ErrCyclicGraph
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		color[id] = black

		return nil
	}

	return visit(start)
}
