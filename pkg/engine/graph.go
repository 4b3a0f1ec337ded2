package engine

import (
	"fmt"
	"strings"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// EdgeKind is the structural relationship behind a graph edge.
type EdgeKind string

const (
	// EdgePort links a controller (bond, bridge, ovs-bridge) to one of its ports.
	EdgePort EdgeKind = "port"

	// EdgeBase links a lower interface to a vlan, vxlan or mac-vlan on top of it.
	EdgeBase EdgeKind = "base"
)

// Edge is a parent -> child dependency. The parent must exist before the
// child is created, and the child must be gone before the parent is removed.
type Edge struct {
	From state.InterfaceKey
	To   state.InterfaceKey
	Kind EdgeKind
}

// InterfaceNode is one interface in the dependency graph.
type InterfaceNode struct {
	Key    state.InterfaceKey
	Iface  *state.Interface
	Action state.EntryAction

	// Entry is the merged entry, or the current entry for removals.
	Entry *state.Map

	// Diff is the analysis of the desired entry. It is nil for interfaces
	// the desired document does not mention.
	Diff *state.InterfaceDiff

	Parents  []state.InterfaceKey
	Children []state.InterfaceKey

	// Order is the tie-break rank: desired document order first, then
	// current state order for interfaces only present in current state.
	Order int

	// Cascaded marks removals implied by another removal.
	Cascaded bool
}

// Graph is the dependency graph of one reconciliation pass. It is rebuilt
// from scratch on every call.
type Graph struct {
	nodes  map[state.InterfaceKey]*InterfaceNode
	keys   []state.InterfaceKey
	edges  []Edge
	pairs  map[state.InterfaceKey]state.InterfaceKey
	order  []state.InterfaceKey
	levels [][]state.InterfaceKey
}

// graphBuilder accumulates nodes and edges before validation.
type graphBuilder struct {
	graph *Graph

	// present holds interfaces that exist after reconciliation.
	present map[state.InterfaceKey]bool

	// adjacencyList maps a parent to its children
	adjacencyList map[state.InterfaceKey][]state.InterfaceKey

	// inDegree tracks the number of incoming edges for each node
	inDegree map[state.InterfaceKey]int

	currentIndex map[state.InterfaceKey]int
	currentByKey map[state.InterfaceKey]*state.Map
	desiredCount int
}

// BuildGraph derives the dependency graph from the current state and the
// analysis of a desired document. Interfaces that remain after
// reconciliation contribute edges from their merged configuration; removed
// interfaces contribute edges from their current configuration, restricted
// to other removed interfaces.
func BuildGraph(current *state.Map, a *state.Analysis) (*Graph, error) {
	b := &graphBuilder{
		graph: &Graph{
			nodes: make(map[state.InterfaceKey]*InterfaceNode),
			pairs: make(map[state.InterfaceKey]state.InterfaceKey),
		},
		present:       make(map[state.InterfaceKey]bool),
		adjacencyList: make(map[state.InterfaceKey][]state.InterfaceKey),
		inDegree:      make(map[state.InterfaceKey]int),
		currentIndex:  make(map[state.InterfaceKey]int),
		currentByKey:  make(map[state.InterfaceKey]*state.Map),
		desiredCount:  len(a.Interfaces),
	}

	if err := b.initialize(current, a); err != nil {
		return nil, err
	}
	if err := b.cascadeRemovals(); err != nil {
		return nil, err
	}
	if err := b.linkPresent(); err != nil {
		return nil, err
	}
	if err := b.linkRemoved(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	b.computeOrder()

	return b.graph, nil
}

// initialize creates one node per merged interface and per removed interface.
func (b *graphBuilder) initialize(current *state.Map, a *state.Analysis) error {
	curEntries, err := state.InterfaceEntries(current)
	if err != nil {
		return err
	}
	for i, e := range curEntries {
		k := entryKey(e)
		b.currentIndex[k] = i
		b.currentByKey[k] = e
	}

	diffs := make(map[state.InterfaceKey]*state.InterfaceDiff, len(a.Interfaces))
	for i := range a.Interfaces {
		diffs[a.Interfaces[i].Key] = &a.Interfaces[i]
	}

	merged, err := state.InterfaceEntries(a.Merged)
	if err != nil {
		return err
	}
	for _, e := range merged {
		k := entryKey(e)
		iface, err := state.DecodeInterface(e)
		if err != nil {
			return err
		}
		node := &InterfaceNode{Key: k, Iface: iface, Action: state.EntryUnchanged, Entry: e, Order: b.rank(k, diffs)}
		if d, ok := diffs[k]; ok {
			node.Diff = d
			node.Action = d.Action
		}
		b.addNode(node)
		b.present[k] = true
	}

	for _, k := range a.Removed {
		d := diffs[k]
		iface, err := state.DecodeInterface(d.Current)
		if err != nil {
			return err
		}
		b.addNode(&InterfaceNode{
			Key: k, Iface: iface, Action: state.EntryRemove, Entry: d.Current, Diff: d, Order: d.Index,
		})
	}
	return nil
}

func (b *graphBuilder) rank(k state.InterfaceKey, diffs map[state.InterfaceKey]*state.InterfaceDiff) int {
	if d, ok := diffs[k]; ok {
		return d.Index
	}
	return b.desiredCount + b.currentIndex[k]
}

func (b *graphBuilder) addNode(n *InterfaceNode) {
	b.graph.nodes[n.Key] = n
	b.graph.keys = append(b.graph.keys, n.Key)
	b.adjacencyList[n.Key] = nil
	b.inDegree[n.Key] = 0
}

// cascadeRemovals removes the peer of a removed veth and the ovs-interfaces
// left without a bridge, unless the desired document keeps them explicitly.
func (b *graphBuilder) cascadeRemovals() error {
	for changed := true; changed; {
		changed = false
		for _, k := range b.sortedKeys() {
			n := b.graph.nodes[k]
			if n.Action != state.EntryRemove {
				continue
			}

			var implied []state.InterfaceKey
			switch k.Type {
			case state.TypeVeth:
				if peer, ok := b.lookupPresent(n.Iface.Peer(), state.TypeVeth); ok {
					if pn := b.graph.nodes[peer]; pn.Diff != nil {
						return errdefs.NewDependencyConflictError(peer.Name,
							fmt.Sprintf("veth %s is removed but its peer %s is kept; veth pairs exist together or not at all",
								k.Name, peer.Name)).WithInterfaces(k.Name, peer.Name)
					}
					implied = append(implied, peer)
				}
			case state.TypeOVSBridge:
				for _, port := range n.Iface.Ports() {
					pk, ok := b.lookupPresent(port, state.TypeOVSInterface)
					if !ok || b.graph.nodes[pk].Diff != nil || b.ownedByPresentBridge(pk) {
						continue
					}
					implied = append(implied, pk)
				}
			}

			for _, ik := range implied {
				in := b.graph.nodes[ik]
				in.Action = state.EntryRemove
				in.Cascaded = true
				delete(b.present, ik)
				changed = true
			}
		}
	}
	return nil
}

func (b *graphBuilder) lookupPresent(name string, t state.InterfaceType) (state.InterfaceKey, bool) {
	k := state.InterfaceKey{Name: name, Type: t}
	if name == "" || !b.present[k] {
		return state.InterfaceKey{}, false
	}
	return k, true
}

func (b *graphBuilder) ownedByPresentBridge(port state.InterfaceKey) bool {
	for k := range b.present {
		if k.Type != state.TypeOVSBridge {
			continue
		}
		if containsName(b.graph.nodes[k].Iface.Ports(), port.Name) {
			return true
		}
	}
	return false
}

// linkPresent adds controller and base edges between interfaces that
// remain, and validates port ownership and veth pairs.
func (b *graphBuilder) linkPresent() error {
	owner := make(map[state.InterfaceKey]state.InterfaceKey)

	for _, k := range b.sortedKeys() {
		if !b.present[k] {
			continue
		}
		n := b.graph.nodes[k]

		for _, port := range n.Iface.Ports() {
			pk, err := b.resolve(port, k, b.isPresent)
			if err != nil {
				return err
			}
			if prev, claimed := owner[pk]; claimed && prev != k {
				return errdefs.NewDependencyConflictError(pk.Name,
					fmt.Sprintf("%s is a port of both %s and %s", pk.Name, prev.Name, k.Name)).
					WithInterfaces(pk.Name, prev.Name, k.Name)
			}
			owner[pk] = k
			b.addEdge(k, pk, EdgePort)
		}

		if base := n.Iface.Base(); base != "" {
			bk, err := b.resolve(base, k, b.isPresent)
			if err != nil {
				return err
			}
			b.addEdge(bk, k, EdgeBase)
		}

		if peer := n.Iface.Peer(); peer != "" {
			if err := b.pair(k, peer); err != nil {
				return err
			}
		}
	}
	return nil
}

// pair records a veth pair when both sides are in the graph.
func (b *graphBuilder) pair(k state.InterfaceKey, peer string) error {
	pk := state.InterfaceKey{Name: peer, Type: state.TypeVeth}
	pn, ok := b.graph.nodes[pk]
	if !ok || !b.present[pk] {
		return nil
	}
	if back := pn.Iface.Peer(); back != "" && back != k.Name {
		return errdefs.NewDependencyConflictError(peer,
			fmt.Sprintf("veth %s names %s as peer but %s is paired with %s", k.Name, peer, peer, back)).
			WithInterfaces(k.Name, peer, back)
	}
	b.graph.pairs[k] = pk
	b.graph.pairs[pk] = k
	return nil
}

// linkRemoved adds edges between removed interfaces from their current
// configuration.
func (b *graphBuilder) linkRemoved() error {
	removed := func(k state.InterfaceKey) bool {
		n, ok := b.graph.nodes[k]
		return ok && n.Action == state.EntryRemove
	}
	for _, k := range b.sortedKeys() {
		if !removed(k) {
			continue
		}
		n := b.graph.nodes[k]
		for _, port := range n.Iface.Ports() {
			if pk, err := b.resolve(port, k, removed); err == nil {
				b.addEdge(k, pk, EdgePort)
			}
		}
		if base := n.Iface.Base(); base != "" {
			if bk, err := b.resolve(base, k, removed); err == nil {
				b.addEdge(bk, k, EdgeBase)
			}
		}
	}
	return nil
}

func (b *graphBuilder) isPresent(k state.InterfaceKey) bool {
	return b.present[k]
}

// resolve finds the node named name among the nodes accepted by in. When
// several types share the name, a non-controller interface wins.
func (b *graphBuilder) resolve(name string, from state.InterfaceKey, in func(state.InterfaceKey) bool) (state.InterfaceKey, error) {
	var candidates []state.InterfaceKey
	for _, k := range b.graph.keys {
		if k.Name == name && k != from && in(k) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) > 1 {
		var leaves []state.InterfaceKey
		for _, k := range candidates {
			if !k.Type.IsController() {
				leaves = append(leaves, k)
			}
		}
		candidates = leaves
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		if name == from.Name {
			return from, nil
		}
		for _, k := range b.graph.keys {
			if k.Name == name && b.graph.nodes[k].Action == state.EntryRemove {
				return state.InterfaceKey{}, errdefs.NewValueError(
					fmt.Sprintf("%s references %s, which is being removed", from.Name, name), nil).
					WithResource(from.Name).WithInterfaces(from.Name, name)
			}
		}
		return state.InterfaceKey{}, errdefs.NewValueError(
			fmt.Sprintf("%s references unknown interface %s", from.Name, name), nil).
			WithResource(from.Name).WithInterfaces(from.Name, name)
	default:
		return state.InterfaceKey{}, errdefs.NewValueError(
			fmt.Sprintf("%s references %s, which matches %d interfaces", from.Name, name, len(candidates)), nil).
			WithResource(from.Name)
	}
}

func (b *graphBuilder) addEdge(from, to state.InterfaceKey, kind EdgeKind) {
	for _, existing := range b.adjacencyList[from] {
		if existing == to {
			return
		}
	}
	b.adjacencyList[from] = append(b.adjacencyList[from], to)
	b.inDegree[to]++
	b.graph.edges = append(b.graph.edges, Edge{From: from, To: to, Kind: kind})

	parent, child := b.graph.nodes[from], b.graph.nodes[to]
	parent.Children = append(parent.Children, to)
	child.Parents = append(child.Parents, from)
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[state.InterfaceKey]bool)
	recStack := make(map[state.InterfaceKey]bool)

	for _, k := range b.sortedKeys() {
		if visited[k] {
			continue
		}
		if cycle := b.detectCyclesUtil(k, visited, recStack, nil); cycle != nil {
			names := make([]string, len(cycle))
			for i, ck := range cycle {
				names[i] = ck.Name
			}
			return errdefs.NewDependencyCycleError(names)
		}
	}
	return nil
}

// detectCyclesUtil returns the cycle path reachable from k, if any.
func (b *graphBuilder) detectCyclesUtil(
	k state.InterfaceKey,
	visited map[state.InterfaceKey]bool,
	recStack map[state.InterfaceKey]bool,
	path []state.InterfaceKey,
) []state.InterfaceKey {
	visited[k] = true
	recStack[k] = true
	path = append(path, k)

	for _, child := range b.adjacencyList[k] {
		if !visited[child] {
			if cycle := b.detectCyclesUtil(child, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[child] {
			for i, pk := range path {
				if pk == child {
					cycle := append([]state.InterfaceKey{}, path[i:]...)
					return append(cycle, child)
				}
			}
		}
	}

	recStack[k] = false
	return nil
}

// computeOrder runs a stable Kahn sort. Among ready nodes the lowest Order
// wins, and a ready veth peer is emitted right after its pair.
func (b *graphBuilder) computeOrder() {
	inDegree := make(map[state.InterfaceKey]int, len(b.inDegree))
	level := make(map[state.InterfaceKey]int, len(b.inDegree))
	for k, d := range b.inDegree {
		inDegree[k] = d
	}

	var ready []state.InterfaceKey
	for _, k := range b.sortedKeys() {
		if inDegree[k] == 0 {
			ready = append(ready, k)
		}
	}

	emit := func(k state.InterfaceKey) {
		b.graph.order = append(b.graph.order, k)
		for len(b.graph.levels) <= level[k] {
			b.graph.levels = append(b.graph.levels, nil)
		}
		b.graph.levels[level[k]] = append(b.graph.levels[level[k]], k)
		for _, child := range b.adjacencyList[k] {
			if level[k]+1 > level[child] {
				level[child] = level[k] + 1
			}
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	for len(ready) > 0 {
		best := 0
		for i := range ready {
			if b.graph.nodes[ready[i]].Order < b.graph.nodes[ready[best]].Order {
				best = i
			}
		}
		k := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		emit(k)

		if peer, ok := b.graph.pairs[k]; ok {
			for i := range ready {
				if ready[i] == peer {
					ready = append(ready[:i], ready[i+1:]...)
					emit(peer)
					break
				}
			}
		}
	}
}

// sortedKeys returns node keys by Order.
func (b *graphBuilder) sortedKeys() []state.InterfaceKey {
	keys := append([]state.InterfaceKey{}, b.graph.keys...)
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && b.graph.nodes[keys[j]].Order < b.graph.nodes[keys[j-1]].Order; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Node returns the node for k, or nil.
func (g *Graph) Node(k state.InterfaceKey) *InterfaceNode {
	return g.nodes[k]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge{}, g.edges...)
}

// Peer returns the veth paired with k, if both sides are in the graph.
func (g *Graph) Peer(k state.InterfaceKey) (state.InterfaceKey, bool) {
	p, ok := g.pairs[k]
	return p, ok
}

// TopologicalOrder returns every node so that parents precede children.
func (g *Graph) TopologicalOrder() []state.InterfaceKey {
	return append([]state.InterfaceKey{}, g.order...)
}

// Levels returns the nodes grouped by depth.
func (g *Graph) Levels() [][]state.InterfaceKey {
	return g.levels
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph InterfaceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, keys := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, k := range keys {
			n := g.nodes[k]
			label := fmt.Sprintf("%s\\n%s\\n%s", k.Name, k.Type, n.Action)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				k, label, getActionColor(n.Action)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", e.From, e.To, getEdgeStyle(e.Kind)))
	}
	for _, k := range g.order {
		if p, ok := g.pairs[k]; ok && k.Name < p.Name {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [dir=none, style=dotted, color=gray];\n", k, p))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// getActionColor returns a color for visualizing node actions.
func getActionColor(a state.EntryAction) string {
	switch a {
	case state.EntryCreate:
		return "lightgreen"
	case state.EntryModify:
		return "lightblue"
	case state.EntryRemove:
		return "lightcoral"
	default:
		return "lightgray"
	}
}

// getEdgeStyle returns a DOT style string for edge kinds.
func getEdgeStyle(kind EdgeKind) string {
	switch kind {
	case EdgeBase:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}

func entryKey(e *state.Map) state.InterfaceKey {
	return state.InterfaceKey{Name: e.String(state.KeyName), Type: state.InterfaceType(e.String(state.KeyType))}
}

func containsName(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
