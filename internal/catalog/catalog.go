// Package catalog holds the static list of attack primitives the operator can
// place on the graph, plus the scenario ids the simulation engine knows about.
//
// A catalog is loaded once at process start and never mutated afterwards. A
// malformed catalog is a fatal startup error.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed stratus.yaml
var stratusYAML string

// ErrInvalidCatalog is returned when a catalog document does not match the
// primitive schema.
var ErrInvalidCatalog = errors.New("invalid catalog")

// validate is shared by every Load call; validator.Validate caches struct
// metadata and is safe for concurrent use.
var validate = validator.New()

// Severity ranks the expected impact of a primitive.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Primitive describes one attack technique.
type Primitive struct {
	// ID is the stable technique identifier sent to the engine,
	// e.g. "aws.execution.ssm-start-session".
	ID       string   `yaml:"id" validate:"required"`
	Name     string   `yaml:"name" validate:"required"`
	Platform string   `yaml:"platform" validate:"required"`
	Tactic   string   `yaml:"tactic" validate:"required"`
	Product  string   `yaml:"product" validate:"required"`
	Severity Severity `yaml:"severity" validate:"required,oneof=low medium high critical"`
}

// Scenario is an environment the engine can simulate against.
type Scenario struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`
}

type document struct {
	Scenarios  []Scenario  `yaml:"scenarios" validate:"dive"`
	Primitives []Primitive `yaml:"primitives" validate:"required,min=1,dive"`
}

// Catalog is an immutable, validated set of primitives and scenarios.
type Catalog struct {
	primitives []Primitive
	byID       map[string]Primitive
	scenarios  []Scenario
	scenarioID map[string]struct{}
}

// Default returns the embedded Stratus Red Team catalog. The embedded file is
// part of the binary, so a failure here is a programming error.
func Default() *Catalog {
	c, err := Load(strings.NewReader(stratusYAML))
	if err != nil {
		panic(fmt.Errorf("embedded catalog: %w", err))
	}
	return c
}

// Load decodes and validates a YAML catalog document. Unknown fields are
// rejected so that a typo fails at startup instead of silently dropping data.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, formatValidationError(err))
	}

	c := &Catalog{
		primitives: doc.Primitives,
		byID:       make(map[string]Primitive, len(doc.Primitives)),
		scenarios:  doc.Scenarios,
		scenarioID: make(map[string]struct{}, len(doc.Scenarios)),
	}
	for _, p := range doc.Primitives {
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate primitive id %q", ErrInvalidCatalog, p.ID)
		}
		c.byID[p.ID] = p
	}
	for _, s := range doc.Scenarios {
		if _, dup := c.scenarioID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate scenario id %q", ErrInvalidCatalog, s.ID)
		}
		c.scenarioID[s.ID] = struct{}{}
	}
	return c, nil
}

// Lookup returns the primitive with the given technique id.
func (c *Catalog) Lookup(id string) (Primitive, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// All returns every primitive in catalog order.
func (c *Catalog) All() []Primitive {
	out := make([]Primitive, len(c.primitives))
	copy(out, c.primitives)
	return out
}

// ByTactic groups primitives by tactic, each group sorted by id.
func (c *Catalog) ByTactic() map[string][]Primitive {
	out := make(map[string][]Primitive)
	for _, p := range c.primitives {
		out[p.Tactic] = append(out[p.Tactic], p)
	}
	for _, group := range out {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}
	return out
}

// HasScenario reports whether the engine knows the scenario id.
func (c *Catalog) HasScenario(id string) bool {
	_, ok := c.scenarioID[id]
	return ok
}

// Scenarios returns the scenarios in catalog order.
func (c *Catalog) Scenarios() []Scenario {
	out := make([]Scenario, len(c.scenarios))
	copy(out, c.scenarios)
	return out
}

// Len returns the number of primitives.
func (c *Catalog) Len() int {
	return len(c.primitives)
}

// formatValidationError flattens validator errors into one readable line.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "document.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must contain at least %s entries", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q validation", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
