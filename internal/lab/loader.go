package lab

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/tracecat/simlab/internal/ctxlog"
	"github.com/tracecat/simlab/internal/fsutil"
	"github.com/tracecat/simlab/internal/schema"
	"github.com/tracecat/simlab/internal/session"
	"github.com/tracecat/simlab/internal/transport"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Load parses every .hcl file found under paths and merges them into a single
// Lab. Directories are walked recursively. The scenario and engine block may
// each appear in at most one file.
func Load(ctx context.Context, paths ...string) (*Lab, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Lab loader started.", "path_count", len(paths))

	files, err := fsutil.ResolvePaths(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %s", strings.Join(paths, ", "))
	}
	logger.Debug("Discovered lab files.", "count", len(files))

	parser := hclparse.NewParser()
	evalCtx := newEvalContext(os.Environ())
	merged := &schema.LabConfig{}
	var scenarioFile, engineFile string

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse lab file %s: %w", file, diags)
		}
		cfg, err := decode(hclFile.Body, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to decode lab file %s: %w", file, err)
		}

		if cfg.Scenario != "" {
			if scenarioFile != "" {
				return nil, fmt.Errorf("scenario is set in both %s and %s", scenarioFile, file)
			}
			scenarioFile = file
			merged.Scenario = cfg.Scenario
		}
		if cfg.Engine != nil {
			if engineFile != "" {
				return nil, fmt.Errorf("engine block is declared in both %s and %s", engineFile, file)
			}
			engineFile = file
			merged.Engine = cfg.Engine
		}
		merged.Nodes = append(merged.Nodes, cfg.Nodes...)
		merged.Links = append(merged.Links, cfg.Links...)
	}

	lab := translate(merged)
	logger.Debug("Lab loading complete.", "scenario", lab.Scenario, "nodes", len(lab.Nodes), "links", len(lab.Links))
	return lab, nil
}

// Parse decodes a single lab document held in memory. filename is only used
// in diagnostics.
func Parse(src []byte, filename string) (*Lab, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse lab file %s: %w", filename, diags)
	}
	cfg, err := decode(hclFile.Body, newEvalContext(os.Environ()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode lab file %s: %w", filename, err)
	}
	return translate(cfg), nil
}

func decode(body hcl.Body, evalCtx *hcl.EvalContext) (*schema.LabConfig, error) {
	var cfg schema.LabConfig
	if diags := gohcl.DecodeBody(body, evalCtx, &cfg); diags.HasErrors() {
		return nil, diags
	}
	return &cfg, nil
}

// newEvalContext exposes environ as the `env` object plus a few string
// helpers.
func newEvalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
		Functions: map[string]function.Function{
			"lower":    stdlib.LowerFunc,
			"upper":    stdlib.UpperFunc,
			"format":   stdlib.FormatFunc,
			"coalesce": stdlib.CoalesceFunc,
		},
	}
}

// translate converts the HCL schema into the format-agnostic Lab.
func translate(cfg *schema.LabConfig) *Lab {
	l := &Lab{Scenario: cfg.Scenario}
	if e := cfg.Engine; e != nil {
		l.Engine = Engine{
			URL:                e.URL,
			TeardownURL:        e.TeardownURL,
			Transport:          transport.Kind(e.Transport),
			Namespace:          e.Namespace,
			InsecureSkipVerify: e.InsecureSkipVerify,
			Tunables: session.Tunables{
				Timeout:    e.Timeout,
				MaxTasks:   e.MaxTasks,
				MaxActions: e.MaxActions,
			},
		}
	}
	for _, n := range cfg.Nodes {
		l.Nodes = append(l.Nodes, Node{Name: n.Name, Technique: n.Technique})
	}
	for _, lk := range cfg.Links {
		l.Links = append(l.Links, Link{From: lk.From, To: lk.To})
	}
	return l
}
