// Package catalog provides the static metadata describing each node type's
// input and output fields, plus JSON Schema validation of workflow
// definitions. The execution core consults it for validation only; no node
// needs catalog metadata to run.
package catalog

import (
	"sort"
	"sync"

	"github.com/veralt/nodeflow/pkg/schema"
)

// Catalog resolves node field metadata by type and instance.
type Catalog interface {
	// GetDefinitions returns the defines for the given instance IDs of a node
	// type. Instances without a registered define fall back to the builtin
	// define for the type.
	GetDefinitions(nodeType schema.NodeType, instanceIDs []string) ([]*schema.NodeDefine, error)
}

// MemoryCatalog is an in-process Catalog backed by a map. Safe for concurrent
// use.
type MemoryCatalog struct {
	mu     sync.RWMutex
	byID   map[string]*schema.NodeDefine
	byType map[schema.NodeType]*schema.NodeDefine
}

// NewMemoryCatalog creates a catalog pre-loaded with the builtin defines for
// every node type.
func NewMemoryCatalog() *MemoryCatalog {
	c := &MemoryCatalog{
		byID:   make(map[string]*schema.NodeDefine),
		byType: make(map[schema.NodeType]*schema.NodeDefine),
	}
	for _, d := range builtinDefines() {
		c.byType[d.Type] = d
	}
	return c
}

// Register stores a define for a specific node instance.
func (c *MemoryCatalog) Register(instanceID string, define *schema.NodeDefine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[instanceID] = define
}

func (c *MemoryCatalog) GetDefinitions(nodeType schema.NodeType, instanceIDs []string) ([]*schema.NodeDefine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fallback, ok := c.byType[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no define for node type %q", string(nodeType))
	}
	if len(instanceIDs) == 0 {
		return []*schema.NodeDefine{fallback}, nil
	}

	out := make([]*schema.NodeDefine, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		if d, ok := c.byID[id]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, fallback)
	}
	return out, nil
}

// ValidateInputs checks a node's input mapping against a define: every
// required field must be present. Unknown extra keys are allowed; runtimes
// ignore what they do not declare.
func ValidateInputs(define *schema.NodeDefine, inputs map[string]any) error {
	if define == nil {
		return nil
	}
	var missing []string
	for _, name := range define.RequiredInputs() {
		if _, ok := inputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return schema.NewErrorf(schema.ErrCodeValidation,
			"missing required inputs: %v", missing).WithNode(define.Key)
	}
	return nil
}

func builtinDefines() []*schema.NodeDefine {
	req := func(name, typ, desc string) schema.FieldDefine {
		return schema.FieldDefine{Name: name, Type: typ, Required: true, Description: desc}
	}
	opt := func(name, typ, desc string) schema.FieldDefine {
		return schema.FieldDefine{Name: name, Type: typ, Description: desc}
	}
	out := func(name, typ string) schema.FieldDefine {
		return schema.FieldDefine{Name: name, Type: typ}
	}

	return []*schema.NodeDefine{
		{Type: schema.NodeTypeStart, Name: "Start"},
		{Type: schema.NodeTypeEnd, Name: "End"},
		{
			Type: schema.NodeTypeCondition, Name: "Condition",
			InputFields:  []schema.FieldDefine{req("condition", "any", "boolean, variable path, or literal")},
			OutputFields: []schema.FieldDefine{out("result", "bool"), out("condition", "string")},
		},
		{
			Type: schema.NodeTypeForEach, Name: "ForEach",
			InputFields:  []schema.FieldDefine{req("collection", "any", "value to iterate")},
			OutputFields: []schema.FieldDefine{out("results", "array"), out("count", "int"), out("collection", "any")},
		},
		{
			Type: schema.NodeTypeFork, Name: "Fork",
			InputFields:  []schema.FieldDefine{req("branches", "any", "JSON string, list, or single branch object")},
			OutputFields: []schema.FieldDefine{out("branches", "array"), out("branchCount", "int"), out("allSucceeded", "bool")},
		},
		{
			Type: schema.NodeTypeJavaScript, Name: "JavaScript",
			InputFields: []schema.FieldDefine{
				req("code", "string", "script source"),
				opt("timeout", "int", "advisory only; enforced limits are configured"),
			},
			OutputFields: []schema.FieldDefine{out("result", "any")},
		},
		{
			Type: schema.NodeTypePlugin, Name: "Plugin",
			InputFields: []schema.FieldDefine{
				req("pluginKey", "string", "plugin template key"),
				opt("params", "any", "parameters forwarded to the plugin"),
				opt("pluginId", "string", "specific configured instance"),
			},
			OutputFields: []schema.FieldDefine{
				out("result", "any"), out("pluginKey", "string"),
				out("pluginName", "string"), out("pluginType", "string"),
			},
		},
		{
			Type: schema.NodeTypeWiki, Name: "Wiki",
			InputFields: []schema.FieldDefine{
				req("wikiId", "string", "knowledge base to search"),
				req("query", "string", "search query"),
				opt("documentId", "string", ""),
				opt("minRelevance", "number", "default 0.0"),
				opt("limit", "int", "default 30"),
				opt("aiModelId", "string", ""),
				opt("isOptimizeQuery", "bool", ""),
				opt("isAnswer", "bool", ""),
			},
			OutputFields: []schema.FieldDefine{
				out("query", "string"), out("answer", "string"),
				out("resultCount", "int"), out("results", "array"),
			},
		},
		{
			Type: schema.NodeTypeDataProcess, Name: "DataProcess",
			InputFields: []schema.FieldDefine{
				req("expression", "string", "expr or jq program"),
				opt("kind", "string", "expression | jq | variable"),
			},
			OutputFields: []schema.FieldDefine{out("result", "any")},
		},
		{
			Type: schema.NodeTypeAiChat, Name: "AiChat",
			InputFields: []schema.FieldDefine{
				req("prompt", "string", "prompt text, may contain ${{path}} references"),
				opt("modelId", "string", ""),
			},
			OutputFields: []schema.FieldDefine{out("reply", "string"), out("modelId", "string")},
		},
	}
}
