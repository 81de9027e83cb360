package models

// Property describes one named parameter in a tool schema.
// Types follow the JSON-schema subset: string, number, integer, boolean,
// array, object.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`

	// Items describes array element types when Type is "array".
	Items *Property `json:"items,omitempty"`
}

// ParameterSchema is the JSON-schema-shaped parameter contract of a tool.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is the provider-facing description of a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// FunctionDefinition is the OpenAI-function-style wrapper advertised to
// providers: {type:"function", function:{name, description, parameters}}.
type FunctionDefinition struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

// AsFunction wraps the definition in the provider wire shape.
func (d ToolDefinition) AsFunction() FunctionDefinition {
	return FunctionDefinition{Type: "function", Function: d}
}
