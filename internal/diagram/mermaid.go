// Package diagram renders workflow definitions as Mermaid flowcharts,
// optionally overlaying per-node execution state from a finished run.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/veralt/nodeflow/internal/store"
	"github.com/veralt/nodeflow/pkg/schema"
)

// RenderMermaid renders a workflow definition as a Mermaid flowchart.
// records may be nil; when present, nodes are colored by execution state.
func RenderMermaid(def *schema.WorkflowDefinition, records []*store.NodeRecord) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if def.Name != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", def.Name))
	}

	for i := range def.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(&def.Nodes[i])))
	}

	for _, e := range def.Edges {
		label := edgeLabel(e)
		if label != "" {
			b.WriteString(fmt.Sprintf("    %s -->|%s| %s\n", safeID(e.Source), label, safeID(e.Target)))
		} else {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(e.Source), safeID(e.Target)))
		}
	}

	// Fork branches are declared in node inputs, not edges; draw them dashed.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Type != schema.NodeTypeFork {
			continue
		}
		for _, target := range forkBranchTargets(n) {
			b.WriteString(fmt.Sprintf("    %s -.-> %s\n", safeID(n.Key), safeID(target)))
		}
	}

	if len(records) > 0 {
		b.WriteString("\n")
		b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
		b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
		b.WriteString("    classDef cancelled fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
		for _, rec := range records {
			cls := stateClass(rec.State)
			if cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(rec.NodeKey), cls))
			}
		}
	}

	return b.String()
}

func nodeDef(n *schema.NodeSpec) string {
	id := safeID(n.Key)
	label := n.Name
	if label == "" {
		label = n.Key
	}

	switch n.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case schema.NodeTypeCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.NodeTypeForEach, schema.NodeTypeFork:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case schema.NodeTypeWiki, schema.NodeTypeAiChat:
		return fmt.Sprintf("%s([%q])", id, label)
	default: // javascript, plugin, dataprocess
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func edgeLabel(e schema.EdgeSpec) string {
	switch {
	case e.Branch != "" && e.Guard != "":
		return e.Branch + " / " + e.Guard
	case e.Branch != "":
		return e.Branch
	case e.Guard != "":
		return e.Guard
	default:
		return ""
	}
}

// forkBranchTargets extracts the static nextNodeKey entries from a fork
// node's branch declarations, sorted for deterministic output.
func forkBranchTargets(n *schema.NodeSpec) []string {
	raw, ok := n.Inputs["branches"].([]any)
	if !ok {
		return nil
	}
	var targets []string
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if next, ok := m["nextNodeKey"].(string); ok && next != "" {
			targets = append(targets, next)
		}
	}
	sort.Strings(targets)
	return targets
}

// safeID converts a node key to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func stateClass(state schema.NodeState) string {
	switch state {
	case schema.NodeStateCompleted:
		return "completed"
	case schema.NodeStateFailed:
		return "failed"
	case schema.NodeStateCancelled:
		return "cancelled"
	default:
		return ""
	}
}
