package embed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// UISpec is the contract a UI tool returns: the content to render, the
// data dependencies to resolve before showing it, and the tools the
// rendered UI may invoke.
type UISpec struct {
	URI        string    `json:"uri"`
	Content    UIContent `json:"content"`
	Needs      []Need    `json:"needs"`
	AllowTools []string  `json:"allowTools"`
}

// UIContent holds the raw markup of the UI. Only rawHtml is supported.
type UIContent struct {
	Type       string `json:"type"`
	HTMLString string `json:"htmlString"`
}

// Need is a tool invocation the UI declares as a rendering
// prerequisite.
type Need struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ErrInvalidUISpec tags structural validation failures of a UI spec.
var ErrInvalidUISpec = errors.New("invalid ui spec")

const uiSpecSchema = `{
	"type": "object",
	"required": ["content"],
	"properties": {
		"uri": {"type": "string"},
		"content": {
			"type": "object",
			"required": ["type", "htmlString"],
			"properties": {
				"type": {"const": "rawHtml"},
				"htmlString": {"type": "string", "minLength": 1}
			}
		},
		"needs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool"],
				"properties": {
					"tool": {"type": "string", "minLength": 1},
					"params": {"type": "object"}
				}
			}
		},
		"allowTools": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

var compiledUISpecSchema = mustCompileUISpecSchema()

func mustCompileUISpecSchema() *jsonschema.Schema {
	var schemaObj any
	if err := json.Unmarshal([]byte(uiSpecSchema), &schemaObj); err != nil {
		panic(fmt.Sprintf("ui spec schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("uispec.json", schemaObj); err != nil {
		panic(fmt.Sprintf("ui spec schema: %v", err))
	}
	sch, err := c.Compile("uispec.json")
	if err != nil {
		panic(fmt.Sprintf("ui spec schema: %v", err))
	}
	return sch
}

// ParseUISpec validates and decodes the value a UI tool returned. The
// spec is structural: any validation failure fails the whole load,
// before anything is rendered.
func ParseUISpec(value any) (*UISpec, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: not serializable: %v", ErrInvalidUISpec, err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUISpec, err)
	}
	if err := compiledUISpecSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUISpec, err)
	}

	var spec UISpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUISpec, err)
	}
	return &spec, nil
}
