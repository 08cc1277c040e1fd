package schema

// FieldDefine describes one declared input or output field of a node type.
type FieldDefine struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// NodeDefine is the static metadata for a node instance: its declared input
// and output fields. It is owned by the definition catalog and read-only to
// the execution core.
type NodeDefine struct {
	Key          string        `json:"key"`
	Type         NodeType      `json:"type"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	InputFields  []FieldDefine `json:"inputFields,omitempty"`
	OutputFields []FieldDefine `json:"outputFields,omitempty"`
}

// InputField returns the declared input field with the given name, or nil.
func (d *NodeDefine) InputField(name string) *FieldDefine {
	for i := range d.InputFields {
		if d.InputFields[i].Name == name {
			return &d.InputFields[i]
		}
	}
	return nil
}

// RequiredInputs returns the names of all required input fields.
func (d *NodeDefine) RequiredInputs() []string {
	var names []string
	for _, f := range d.InputFields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}
