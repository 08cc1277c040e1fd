package schema

// WorkflowDefinition is the JSON-serializable workflow graph format.
// Nodes are typed; edges connect them and may carry a branch label (used by
// condition and fork routing) and an optional CEL guard expression.
type WorkflowDefinition struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Nodes    []NodeSpec     `json:"nodes"`
	Edges    []EdgeSpec     `json:"edges,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeSpec describes a single node instance in a workflow graph.
type NodeSpec struct {
	Key    string         `json:"key"`
	Type   NodeType       `json:"type"`
	Name   string         `json:"name,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
	Retry  *RetryPolicy   `json:"retry,omitempty"`
}

// EdgeSpec connects two nodes. Branch selects the edge when the source node
// routes (condition: "true"/"false"; foreach: "body"/"done"). Guard, when set,
// is a CEL expression over the flattened namespace that must evaluate to true
// for the edge to be taken.
type EdgeSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Branch string `json:"branch,omitempty"`
	Guard  string `json:"guard,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap for computed delays
}

// Node returns the node with the given key, or nil.
func (d *WorkflowDefinition) Node(key string) *NodeSpec {
	for i := range d.Nodes {
		if d.Nodes[i].Key == key {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns all edges whose source is the given node key, in
// definition order.
func (d *WorkflowDefinition) OutgoingEdges(key string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range d.Edges {
		if e.Source == key {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the start node of the definition: the first node of type
// start, else the first node without incoming edges.
func (d *WorkflowDefinition) StartNode() *NodeSpec {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTypeStart {
			return &d.Nodes[i]
		}
	}
	incoming := make(map[string]bool, len(d.Edges))
	for _, e := range d.Edges {
		incoming[e.Target] = true
	}
	for i := range d.Nodes {
		if !incoming[d.Nodes[i].Key] {
			return &d.Nodes[i]
		}
	}
	return nil
}
