package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jsonvalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// ViewOutput is the structured result of a view-generation session.
type ViewOutput struct {
	Title string `json:"title" jsonschema:"minLength=1,description=Short heading for the generated view"`
	MDX   string `json:"mdx" jsonschema:"minLength=1,description=MDX body of the view using the site's components"`
}

var errEmptyView = errors.New("view output has an empty field")

var (
	viewSchemaOnce     sync.Once
	viewSchemaJSON     []byte
	viewSchemaCompiled *jsonvalidate.Schema
	viewSchemaErr      error
)

func initViewSchema() error {
	viewSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			Anonymous:                 true,
			DoNotReference:            true,
			AllowAdditionalProperties: false,
		}
		schema := r.Reflect(&ViewOutput{})
		schema.Version = ""
		viewSchemaJSON, viewSchemaErr = json.Marshal(schema)
		if viewSchemaErr != nil {
			return
		}
		viewSchemaCompiled, viewSchemaErr = jsonvalidate.CompileString("view_output.json", string(viewSchemaJSON))
	})
	return viewSchemaErr
}

// ViewSchema returns the JSON Schema every structured view must satisfy.
func ViewSchema() ([]byte, error) {
	if err := initViewSchema(); err != nil {
		return nil, fmt.Errorf("build view schema: %w", err)
	}
	return viewSchemaJSON, nil
}

// DecodeView validates raw against the view schema and decodes it.
func DecodeView(raw json.RawMessage) (ViewOutput, error) {
	if err := initViewSchema(); err != nil {
		return ViewOutput{}, fmt.Errorf("build view schema: %w", err)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ViewOutput{}, fmt.Errorf("decode view output: %w", err)
	}
	if err := viewSchemaCompiled.Validate(payload); err != nil {
		return ViewOutput{}, fmt.Errorf("view output invalid: %w", err)
	}

	var out ViewOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return ViewOutput{}, fmt.Errorf("decode view output: %w", err)
	}
	if strings.TrimSpace(out.Title) == "" || strings.TrimSpace(out.MDX) == "" {
		return ViewOutput{}, errEmptyView
	}
	return out, nil
}
