package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// BuildPlan orders the work described by an analysis. Removals come
// first, children before parents; then creates, modifies and recreates,
// parents before children; then global sections. Interfaces whose diff is
// empty are left out.
func BuildPlan(a *state.Analysis, g *Graph) (*Plan, error) {
	if a == nil || g == nil {
		return nil, errdefs.NewValueError("analysis and graph are required", nil).
			WithCode(errdefs.ErrCodeValidation)
	}

	plan := &Plan{ID: uuid.New().String()}
	order := g.TopologicalOrder()

	for i := len(order) - 1; i >= 0; i-- {
		n := g.Node(order[i])
		if n.Action != state.EntryRemove {
			continue
		}
		plan.Operations = append(plan.Operations, Operation{
			ID:       uuid.New().String(),
			Action:   ActionRemove,
			Key:      n.Key,
			Iface:    n.Iface,
			Target:   n.Entry,
			Current:  n.Entry,
			Cascaded: n.Cascaded,
		})
	}

	for _, k := range order {
		n := g.Node(k)
		switch n.Action {
		case state.EntryCreate:
			plan.Operations = append(plan.Operations, Operation{
				ID:      uuid.New().String(),
				Action:  ActionCreate,
				Key:     n.Key,
				Iface:   n.Iface,
				Target:  withController(g, n),
				Changes: n.Diff.Changes,
			})
		case state.EntryModify:
			action, err := modifyAction(n)
			if err != nil {
				return nil, err
			}
			plan.Operations = append(plan.Operations, Operation{
				ID:      uuid.New().String(),
				Action:  action,
				Key:     n.Key,
				Iface:   n.Iface,
				Target:  withController(g, n),
				Current: n.Diff.Current,
				Changes: n.Diff.Changes,
			})
		}
	}

	for _, sd := range a.Sections {
		if len(sd.Changes) == 0 {
			continue
		}
		op := Operation{
			ID:      uuid.New().String(),
			Action:  ActionSection,
			Section: sd.Name,
			Changes: sd.Changes,
		}
		if cur, ok := sd.Current.(*state.Map); ok {
			op.Current = cur
		}
		if !sd.Removed {
			target, ok := sd.Merged.(*state.Map)
			if !ok {
				return nil, errdefs.NewValueError(
					fmt.Sprintf("section %s must be a mapping, got %s", sd.Name, state.Format(sd.Merged)), nil).
					WithResource(sd.Name)
			}
			op.Target = target
		}
		plan.Operations = append(plan.Operations, op)
	}

	plan.Summary = summarize(plan, a)
	return plan, nil
}

// modifyAction turns a modify into a recreate when an attribute the kernel
// cannot change in place differs.
func modifyAction(n *InterfaceNode) (Action, error) {
	cur, err := state.DecodeInterface(n.Diff.Current)
	if err != nil {
		return "", err
	}
	if state.RequiresRecreate(cur, n.Iface) {
		return ActionRecreate, nil
	}
	return ActionModify, nil
}

// withController returns a copy of the node's entry whose controller
// field names the controller listing it as a port, if any.
func withController(g *Graph, n *InterfaceNode) *state.Map {
	target := n.Entry.Clone()
	target.Delete(state.KeyController)
	for _, e := range g.edges {
		if e.Kind == EdgePort && e.To == n.Key {
			target.Set(state.KeyController, e.From.Name)
			break
		}
	}
	return target
}

func summarize(plan *Plan, a *state.Analysis) PlanSummary {
	s := PlanSummary{Total: len(plan.Operations)}
	for _, op := range plan.Operations {
		switch op.Action {
		case ActionCreate:
			s.ToCreate++
		case ActionModify:
			s.ToModify++
		case ActionRemove:
			s.ToRemove++
		case ActionRecreate:
			s.ToRecreate++
		case ActionSection:
			s.Sections++
		}
	}
	for _, d := range a.Interfaces {
		if d.Action == state.EntryUnchanged {
			s.Unchanged++
		}
	}
	return s
}

// Prepare runs the pure planning steps against a snapshot: analysis,
// graph construction and plan ordering.
func Prepare(current, desired *state.Map) (*state.Analysis, *Graph, *Plan, error) {
	a, err := state.Analyze(current, desired)
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := BuildGraph(current, a)
	if err != nil {
		return nil, nil, nil, err
	}
	plan, err := BuildPlan(a, g)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, g, plan, nil
}
