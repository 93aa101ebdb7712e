package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/ryanwaits/site/internal/agent"
)

const (
	viewToolName = "emit_view"

	defaultReadLimit = 2000
	maxReadBytes     = 256 << 10
	maxLineLength    = 2000
)

var (
	skillNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

	errMissingPath = errors.New("file_path is required")
	errBadSkill    = errors.New("skill name is invalid")
)

type readArgs struct {
	FilePath string `json:"file_path" mapstructure:"file_path" jsonschema:"description=Path of the file to read. Relative paths resolve against the site source root."`
	Offset   int    `json:"offset,omitempty" mapstructure:"offset" jsonschema:"minimum=0,description=Line number to start reading from (1-based)."`
	Limit    int    `json:"limit,omitempty" mapstructure:"limit" jsonschema:"minimum=1,description=Maximum number of lines to return."`
}

type skillArgs struct {
	Skill string `json:"skill" mapstructure:"skill" jsonschema:"description=Name of the skill to load."`
}

type toolSpec struct {
	name        string
	description string
	args        any
}

var toolSpecs = map[string]toolSpec{
	agent.ToolRead: {
		name:        agent.ToolRead,
		description: "Read a text file from the site's source tree. Output lines are prefixed with their line number.",
		args:        &readArgs{},
	},
	agent.ToolSkill: {
		name:        agent.ToolSkill,
		description: "Load a named skill: a document with instructions and facts for a specific kind of question.",
		args:        &skillArgs{},
	},
}

var (
	toolParamsOnce sync.Once
	toolParams     map[string]sdk.ToolUnionParam
	toolParamsErr  error
)

// schemaParam converts a JSON Schema document into the SDK's tool schema.
func schemaParam(raw []byte) (sdk.ToolInputSchemaParam, error) {
	var schema sdk.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return sdk.ToolInputSchemaParam{}, fmt.Errorf("invalid tool schema: %w", err)
	}
	return schema, nil
}

func toolParam(name, description string, schemaJSON []byte) (sdk.ToolUnionParam, error) {
	schema, err := schemaParam(schemaJSON)
	if err != nil {
		return sdk.ToolUnionParam{}, fmt.Errorf("%s: %w", name, err)
	}
	param := sdk.ToolUnionParamOfTool(schema, name)
	if param.OfTool == nil {
		return sdk.ToolUnionParam{}, fmt.Errorf("%s: missing tool definition", name)
	}
	param.OfTool.Description = sdk.String(description)
	return param, nil
}

func buildToolParams() (map[string]sdk.ToolUnionParam, error) {
	toolParamsOnce.Do(func() {
		r := &jsonschema.Reflector{Anonymous: true, DoNotReference: true}
		toolParams = make(map[string]sdk.ToolUnionParam, len(toolSpecs)+1)
		for name, spec := range toolSpecs {
			s := r.Reflect(spec.args)
			s.Version = ""
			raw, err := json.Marshal(s)
			if err != nil {
				toolParamsErr = err
				return
			}
			param, err := toolParam(name, spec.description, raw)
			if err != nil {
				toolParamsErr = err
				return
			}
			toolParams[name] = param
		}

		viewSchema, err := agent.ViewSchema()
		if err != nil {
			toolParamsErr = err
			return
		}
		param, err := toolParam(viewToolName, "Return the generated view.", viewSchema)
		if err != nil {
			toolParamsErr = err
			return
		}
		toolParams[viewToolName] = param
	})
	return toolParams, toolParamsErr
}

// offeredTools returns the definitions for every allowed tool this runtime
// implements, in the configuration's order.
func offeredTools(cfg agent.RequestConfig) ([]sdk.ToolUnionParam, error) {
	params, err := buildToolParams()
	if err != nil {
		return nil, err
	}
	if cfg.StructuredOutput() {
		return []sdk.ToolUnionParam{params[viewToolName]}, nil
	}
	var out []sdk.ToolUnionParam
	for _, name := range cfg.AllowedTools() {
		if p, ok := params[name]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// executeTool runs a permitted tool and returns its result text and whether
// the result is an error the model should see.
func executeTool(root, name string, input map[string]any) (string, bool) {
	var (
		out string
		err error
	)
	switch name {
	case agent.ToolRead:
		out, err = readTool(root, input)
	case agent.ToolSkill:
		out, err = skillTool(root, input)
	default:
		err = fmt.Errorf("tool %s is not available", name)
	}
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

func resolve(root, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	return filepath.Clean(p)
}

func readTool(root string, input map[string]any) (string, error) {
	var args readArgs
	if err := mapstructure.Decode(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.FilePath) == "" {
		return "", errMissingPath
	}

	path := resolve(root, args.FilePath)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file does not exist: %s", args.FilePath)
		}
		return "", fmt.Errorf("cannot read %s", args.FilePath)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", args.FilePath)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s", args.FilePath)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, maxReadBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 && info.Size() > 0 {
		return "", fmt.Errorf("cannot read %s", args.FilePath)
	}
	return numberLines(string(buf[:n]), args.Offset, args.Limit), nil
}

// numberLines renders lines [offset, offset+limit) with 1-based line numbers.
func numberLines(content string, offset, limit int) string {
	if content == "" {
		return "(empty file)"
	}
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	var b strings.Builder
	for i := offset - 1; i < len(lines) && i < offset-1+limit; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	if b.Len() == 0 {
		return fmt.Sprintf("(file has %d lines)", len(lines))
	}
	return b.String()
}

func skillTool(root string, input map[string]any) (string, error) {
	var args skillArgs
	if err := mapstructure.Decode(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if !skillNamePattern.MatchString(args.Skill) {
		return "", errBadSkill
	}
	data, err := os.ReadFile(filepath.Join(root, ".claude", "skills", args.Skill, "SKILL.md"))
	if err != nil {
		return "", fmt.Errorf("skill %q is not available", args.Skill)
	}
	return string(data), nil
}
