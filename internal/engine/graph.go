package engine

import (
	"fmt"
	"sort"

	"github.com/veralt/nodeflow/pkg/schema"
)

// graph is the adjacency view of a workflow definition used by the
// dispatcher. Construction validates structure: known node types, resolvable
// edge endpoints, a single entry node, and full reachability.
type graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*schema.NodeSpec
	outgoing map[string][]schema.EdgeSpec
	start    *schema.NodeSpec
}

var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeStart:       true,
	schema.NodeTypeEnd:         true,
	schema.NodeTypeCondition:   true,
	schema.NodeTypeForEach:     true,
	schema.NodeTypeFork:        true,
	schema.NodeTypeJavaScript:  true,
	schema.NodeTypePlugin:      true,
	schema.NodeTypeWiki:        true,
	schema.NodeTypeDataProcess: true,
	schema.NodeTypeAiChat:      true,
}

// parseGraph validates the definition and builds the adjacency view.
func parseGraph(def *schema.WorkflowDefinition) (*graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no nodes")
	}

	g := &graph{
		def:      def,
		nodes:    make(map[string]*schema.NodeSpec, len(def.Nodes)),
		outgoing: make(map[string][]schema.EdgeSpec),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Key == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "node with empty key")
		}
		if !validNodeTypes[n.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node %q has unknown type %q", n.Key, n.Type)
		}
		if _, dup := g.nodes[n.Key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node key %q", n.Key)
		}
		g.nodes[n.Key] = n
	}

	for _, e := range def.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge source %q is not a node", e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge target %q is not a node", e.Target)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}

	g.start = def.StartNode()
	if g.start == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no start node")
	}

	if unreached := g.unreachable(); len(unreached) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unreachable nodes: %s", fmt.Sprint(unreached))
	}

	return g, nil
}

// unreachable returns node keys not reachable from the start node, sorted.
func (g *graph) unreachable() []string {
	seen := map[string]bool{g.start.Key: true}
	stack := []string{g.start.Key}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.outgoing[key] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
		// Fork branches may jump by key rather than by edge.
		if n := g.nodes[key]; n != nil && n.Type == schema.NodeTypeFork {
			for _, next := range forkBranchTargets(n) {
				if _, ok := g.nodes[next]; ok && !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
	}

	var out []string
	for key := range g.nodes {
		if !seen[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// forkBranchTargets extracts the static nextNodeKey hops from a fork node's
// declared branches. Branches resolved from an expression at run time cannot
// be inspected here and are skipped.
func forkBranchTargets(n *schema.NodeSpec) []string {
	raw, ok := n.Inputs["branches"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if next, ok := m["nextNodeKey"].(string); ok && next != "" {
			out = append(out, next)
		}
	}
	return out
}
