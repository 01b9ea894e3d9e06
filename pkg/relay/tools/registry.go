package tools

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/protocol"
)

// HandlerFunc performs a tool's side effect and returns its JSON-encodable result.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

type Tool struct {
	Descriptor Descriptor
	Handler    HandlerFunc
	spec       protocol.ToolSpec
}

type Registry struct {
	byName map[string]Tool
}

// NewRegistry binds every descriptor to its handler. A descriptor naming an
// unknown handler is an error.
func NewRegistry(descs []Descriptor, handlers map[string]HandlerFunc) (*Registry, error) {
	registry := &Registry{byName: make(map[string]Tool, len(descs))}
	for _, d := range descs {
		h, ok := handlers[d.Handler]
		if !ok || h == nil {
			return nil, errors.Newf("tool %q references unknown handler %q", d.Name, d.Handler)
		}
		spec, err := d.Spec()
		if err != nil {
			return nil, err
		}
		registry.byName[d.Name] = Tool{Descriptor: d, Handler: h, spec: spec}
	}
	return registry, nil
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.byName[strings.TrimSpace(name)]
	return t, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the tool specs sent with every promptStart, sorted by name.
func (r *Registry) Specs() []protocol.ToolSpec {
	if r == nil {
		return nil
	}
	out := make([]protocol.ToolSpec, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].spec)
	}
	return out
}

func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].Descriptor)
	}
	return out
}
