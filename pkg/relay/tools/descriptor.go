package tools

import (
	_ "embed"
	"encoding/json"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
)

//go:embed builtin.yaml
var builtinDescriptors []byte

// Descriptor declares one tool the upstream model may call. Handler names an
// entry in the handler table; it defaults to Name.
type Descriptor struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"inputSchema" json:"inputSchema"`
	Handler     string         `yaml:"handler" json:"handler"`
}

type descriptorFile struct {
	Tools []Descriptor `yaml:"tools"`
}

// LoadDescriptors reads descriptors from path, or the built-in set when path
// is empty.
func LoadDescriptors(path string) ([]Descriptor, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ParseDescriptors(builtinDescriptors)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read tool descriptors %s", path)
	}
	descs, err := ParseDescriptors(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse tool descriptors %s", path)
	}
	return descs, nil
}

func ParseDescriptors(data []byte) ([]Descriptor, error) {
	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	seen := make(map[string]struct{}, len(file.Tools))
	out := make([]Descriptor, 0, len(file.Tools))
	for i, d := range file.Tools {
		d.Name = strings.TrimSpace(d.Name)
		d.Handler = strings.TrimSpace(d.Handler)
		if d.Name == "" {
			return nil, errors.Newf("tools[%d].name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, errors.Newf("tools[%d]: duplicate tool name %q", i, d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Handler == "" {
			d.Handler = d.Name
		}
		if d.InputSchema == nil {
			d.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, d)
	}
	return out, nil
}

// Spec renders the descriptor in the promptStart toolConfiguration shape.
func (d Descriptor) Spec() (protocol.ToolSpec, error) {
	schema, err := json.Marshal(d.InputSchema)
	if err != nil {
		return protocol.ToolSpec{}, errors.Wrapf(err, "encode input schema for %s", d.Name)
	}
	return protocol.ToolSpec{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: protocol.ToolInputSchema{JSON: string(schema)},
	}, nil
}
