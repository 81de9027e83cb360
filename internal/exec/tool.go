package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/relay/pkg/models"
)

// toolArgs is the exec tool's argument surface; the JSON schema is
// reflected from it.
type toolArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
	Host    string `json:"host,omitempty" jsonschema:"description=Where to run: local or node,enum=local,enum=node"`
	Node    string `json:"node,omitempty" jsonschema:"description=Node id or display name when host is node"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
}

// Tool adapts the router to the tool registry contract.
type Tool struct {
	router *Router
	schema models.ParameterSchema
}

// NewTool builds the exec tool.
func NewTool(router *Router) (*Tool, error) {
	schema, err := reflectSchema()
	if err != nil {
		return nil, err
	}
	return &Tool{router: router, schema: schema}, nil
}

func (t *Tool) Name() string { return "exec" }

func (t *Tool) Description() string {
	return "Run a shell command on the local machine or a paired remote node. Returns stdout, stderr, and the exit code."
}

func (t *Tool) Schema() models.ParameterSchema { return t.schema }

// Execute runs the command and renders the result for the model.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	req := Request{}
	if v, ok := args["command"].(string); ok {
		req.Command = v
	}
	if v, ok := args["host"].(string); ok {
		req.Host = v
	}
	if v, ok := args["node"].(string); ok {
		req.Node = v
	}
	if v, ok := args["cwd"].(string); ok {
		req.Cwd = v
	}
	switch v := args["timeout"].(type) {
	case float64:
		req.Timeout = time.Duration(v) * time.Second
	case int:
		req.Timeout = time.Duration(v) * time.Second
	}

	result := t.router.Execute(ctx, req)
	if result.Error != "" && !result.Success && result.Stdout == "" && result.Stderr == "" {
		return "", fmt.Errorf("exec: %s", result.Error)
	}
	return renderResult(result), nil
}

func renderResult(r ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", r.ExitCode)
	if r.NodeID != "" {
		fmt.Fprintf(&b, " (node %s)", r.NodeID)
	}
	b.WriteString("\n")
	if r.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

// reflectSchema derives the provider-facing parameter schema from
// toolArgs.
func reflectSchema() (models.ParameterSchema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	raw := reflector.Reflect(&toolArgs{})

	data, err := json.Marshal(raw)
	if err != nil {
		return models.ParameterSchema{}, fmt.Errorf("exec: marshal tool schema: %w", err)
	}
	var schema models.ParameterSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return models.ParameterSchema{}, fmt.Errorf("exec: parse tool schema: %w", err)
	}
	schema.Type = "object"
	schema.Required = []string{"command"}
	return schema, nil
}
