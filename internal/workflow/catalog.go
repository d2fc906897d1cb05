// Package workflow implements the workflow catalog, the ordered-rule
// selector, and the transition machine.
package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Initiator values for workflow definitions.
const (
	InitiatorSystem = "system"
	InitiatorClient = "client"
)

// Requirements are the context flags a workflow demands before it can run.
type Requirements struct {
	Authenticated bool `yaml:"authenticated" json:"authenticated"`
	Merchant      bool `yaml:"merchant" json:"merchant"`
}

// InitialAction is a synthetic message processed immediately on workflow entry.
type InitialAction struct {
	Message          string `yaml:"message"`
	StripFromHistory bool   `yaml:"stripFromHistory"`
}

// Definition is one immutable workflow loaded from the catalog.
type Definition struct {
	Name          string            `yaml:"name"`
	Requirements  Requirements      `yaml:"requirements"`
	Initiator     string            `yaml:"initiator"`
	InitialAction *InitialAction    `yaml:"initialAction,omitempty"`
	Transitions   []string          `yaml:"transitions,omitempty"` // allowed targets; empty = any
	OnCompletion  string            `yaml:"onCompletion,omitempty"` // trigger template for the continuity bridge
	Events        map[string]string `yaml:"events,omitempty"`       // event name → response template
}

// AllowsTransitionTo reports whether the definition admits the given target.
func (d *Definition) AllowsTransitionTo(target string) bool {
	if len(d.Transitions) == 0 {
		return true
	}
	for _, t := range d.Transitions {
		if t == target {
			return true
		}
	}
	return false
}

// RequirementFlags returns the requirements as a map for the wire protocol.
func (d *Definition) RequirementFlags() map[string]bool {
	return map[string]bool{
		"authenticated": d.Requirements.Authenticated,
		"merchant":      d.Requirements.Merchant,
	}
}

// RenderTemplate substitutes {key} placeholders in a catalog template with
// values from data. Unknown placeholders are left intact.
func RenderTemplate(tmpl string, data map[string]string) string {
	out := tmpl
	for k, v := range data {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Catalog is the read-only set of workflow definitions, loaded once at
// process start.
type Catalog struct {
	defs map[string]*Definition
}

// catalogFile is the YAML shape of the catalog on disk.
type catalogFile struct {
	Workflows []*Definition `yaml:"workflows"`
}

// LoadCatalog reads workflow definitions from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses workflow definitions from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing workflow catalog: %w", err)
	}
	if len(file.Workflows) == 0 {
		return nil, fmt.Errorf("workflow catalog is empty")
	}

	c := &Catalog{defs: make(map[string]*Definition, len(file.Workflows))}
	for _, def := range file.Workflows {
		if def.Name == "" {
			return nil, fmt.Errorf("workflow with empty name in catalog")
		}
		if _, dup := c.defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow %q in catalog", def.Name)
		}
		if def.Initiator == "" {
			def.Initiator = InitiatorClient
		}
		c.defs[def.Name] = def
	}

	// Transition targets must exist.
	for _, def := range c.defs {
		for _, target := range def.Transitions {
			if _, ok := c.defs[target]; !ok {
				return nil, fmt.Errorf("workflow %q declares unknown transition target %q", def.Name, target)
			}
		}
	}

	return c, nil
}

// Get returns the definition for a workflow name.
func (c *Catalog) Get(name string) (*Definition, bool) {
	def, ok := c.defs[name]
	return def, ok
}

// Names returns all workflow names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
