// Package manifest loads the bootstrap description of a registry: the
// pipelines with their ordered tasks, the processing nodes, and the
// simulated start time.
//
// Manifests are written in CUE or YAML. Both forms are checked against the
// same embedded CUE schema, so a YAML manifest can never carry a shape the
// CUE form would reject.
package manifest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/registry"
)

//go:embed schema.cue
var schemaSource string

//go:embed demo.cue
var demoSource []byte

// Manifest is a decoded, validated bootstrap description.
type Manifest struct {
	StartTime string     `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	Pipelines []Pipeline `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
	Nodes     []Node     `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

// Pipeline is one pipeline entry.
type Pipeline struct {
	Name  string `json:"name" yaml:"name"`
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
	Tasks []Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Task is one task of a pipeline, in execution order.
type Task struct {
	Name     string            `json:"name" yaml:"name"`
	Revision string            `json:"revision" yaml:"revision"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Columns  []string          `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// Node is one processing node.
type Node struct {
	Name  string `json:"name" yaml:"name"`
	IP    string `json:"ip,omitempty" yaml:"ip,omitempty"`
	OS    string `json:"os,omitempty" yaml:"os,omitempty"`
	Cores int    `json:"cores,omitempty" yaml:"cores,omitempty"`
	RAMGB int    `json:"ram_gb,omitempty" yaml:"ram_gb,omitempty"`
}

// Load reads a manifest file. The format is chosen by extension: .cue, or
// .yaml/.yml.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return ParseCUE(filepath.Base(path), data)
	case ".yaml", ".yml":
		return ParseYAML(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported manifest format %q: expected .cue, .yaml or .yml", filepath.Ext(path))
	}
}

// Demo returns the built-in demonstration topology: two pipelines and six
// nodes starting on 2021-10-01.
func Demo() (*Manifest, error) {
	return ParseCUE("demo.cue", demoSource)
}

// ParseCUE compiles a CUE manifest, unifies it with the schema and decodes it.
func ParseCUE(filename string, data []byte) (*Manifest, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %s", filename, cueerrors.Details(err, nil))
	}
	return decode(ctx, filename, v)
}

// ParseYAML decodes a YAML manifest. Unknown fields are rejected, then the
// result is validated against the same schema as CUE manifests.
func ParseYAML(r io.Reader) (*Manifest, error) {
	var raw Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse manifest: empty document")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	ctx := cuecontext.New()
	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return decode(ctx, "manifest.yaml", v)
}

func decode(ctx *cue.Context, filename string, v cue.Value) (*Manifest, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %s", filename, cueerrors.Details(err, nil))
	}

	var m Manifest
	if err := unified.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", filename, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", filename, err)
	}
	return &m, nil
}

// validate checks the cross-entry rules the schema cannot express.
func (m *Manifest) validate() error {
	if _, err := m.Start(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, n := range m.Nodes {
		if seen[n.Name] {
			return fmt.Errorf("node %q listed twice", n.Name)
		}
		seen[n.Name] = true
	}
	pipelines := make(map[string]bool)
	for _, p := range m.Pipelines {
		if pipelines[p.Name] {
			return fmt.Errorf("pipeline %q listed twice", p.Name)
		}
		pipelines[p.Name] = true

		tasks := make(map[string]bool)
		for _, t := range p.Tasks {
			if tasks[t.Name] {
				return fmt.Errorf("pipeline %q lists task %q twice", p.Name, t.Name)
			}
			tasks[t.Name] = true
		}
	}
	return nil
}

// Start returns the parsed start time, or the zero time if none is set.
func (m *Manifest) Start() (time.Time, error) {
	if m.StartTime == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.ParseInLocation(layout, m.StartTime, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("start_time %q: expected %q or RFC 3339", m.StartTime, time.DateTime)
}

// NodeSpecs converts the node entries in manifest order.
func (m *Manifest) NodeSpecs() []prov.NodeSpec {
	specs := make([]prov.NodeSpec, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		specs = append(specs, prov.NodeSpec{Name: n.Name, IP: n.IP, OS: n.OS, Cores: n.Cores, RAMGB: n.RAMGB})
	}
	return specs
}

// PipelineSpecs converts the pipeline entries in manifest order.
func (m *Manifest) PipelineSpecs() []prov.PipelineSpec {
	specs := make([]prov.PipelineSpec, 0, len(m.Pipelines))
	for _, p := range m.Pipelines {
		ps := prov.PipelineSpec{Name: p.Name, Notes: p.Notes}
		for _, t := range p.Tasks {
			ps.Tasks = append(ps.Tasks, prov.TaskSpec{
				Name:    t.Name,
				Payload: prov.Payload{Revision: t.Revision, Params: t.Params},
				Columns: t.Columns,
			})
		}
		specs = append(specs, ps)
	}
	return specs
}

// Apply registers the whole manifest in one transaction and moves the
// registry clock to the start time.
func (m *Manifest) Apply(ctx context.Context, reg *registry.Registry) error {
	start, err := m.Start()
	if err != nil {
		return err
	}
	return reg.Bootstrap(ctx, start, m.NodeSpecs(), m.PipelineSpecs())
}
