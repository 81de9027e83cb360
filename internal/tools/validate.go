package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// validator compiles tool parameter schemas once and checks call
// arguments against them. Validation failures never reach the tool.
type validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate returns human-readable problems with the arguments, empty
// when the call is well-formed. A schema that itself fails to compile
// is reported as a single problem.
func (v *validator) Validate(tool string, schema models.ParameterSchema, args map[string]any) []string {
	compiled, err := v.schemaFor(tool, schema)
	if err != nil {
		return []string{fmt.Sprintf("invalid parameter schema: %v", err)}
	}

	// Round-trip through JSON so nested values carry the types the
	// validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return []string{fmt.Sprintf("arguments not serializable: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("arguments not parseable: %v", err)}
	}

	if err := compiled.Validate(doc); err != nil {
		return flattenValidationError(err)
	}
	return nil
}

func (v *validator) schemaFor(tool string, schema models.ParameterSchema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.compiled[tool]; ok {
		return compiled, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + tool + "/schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	v.compiled[tool] = compiled
	return compiled, nil
}

func flattenValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var problems []string
	for _, e := range ve.BasicOutput().Errors {
		msg := strings.TrimSpace(e.Error)
		if msg == "" || strings.HasPrefix(msg, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		problems = append(problems, fmt.Sprintf("%s: %s", loc, msg))
	}
	if len(problems) == 0 {
		problems = []string{ve.Message}
	}
	return problems
}
