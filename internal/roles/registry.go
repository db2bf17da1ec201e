// Package roles holds the read-only catalog of role definitions and routing
// rules. The registry is populated once at startup from configuration and
// never mutated; changes require an orchestrator restart.
package roles

import (
	"fmt"
	"slices"
	"time"
)

// RouteRule names a legal routing target for a role.
type RouteRule struct {
	Role      string
	TaskTypes []string
}

// AutoScale configures the fleet autoscaler for a role.
type AutoScale struct {
	Enabled          bool
	ScaleUpThreshold int
	ScaleDownIdle    time.Duration
	Cooldown         time.Duration
}

// Definition describes one agent role. The prompt and tool identifiers are
// opaque to the core; they pass through to the provider.
type Definition struct {
	Name             string
	DisplayName      string
	Prefix           string
	Color            string
	Emoji            string
	SystemPrompt     string
	Tools            []string
	Model            string
	Provider         string
	Accepts          []string
	Produces         []string
	RoutesTo         []RouteRule
	MaxInstances     int
	InitialInstances int
	TaskTimeout      time.Duration
	AutoScale        AutoScale
}

// Restricted reports the routing mode: a role with explicit routes_to rules
// only routes to those targets; otherwise routing is open and consumers are
// discovered by accepted task type.
func (d Definition) Restricted() bool {
	return len(d.RoutesTo) > 0
}

// AcceptsType reports whether the role handles the given task type.
func (d Definition) AcceptsType(taskType string) bool {
	return slices.Contains(d.Accepts, taskType)
}

// ProducesType reports whether the role may emit the given task type.
func (d Definition) ProducesType(taskType string) bool {
	return slices.Contains(d.Produces, taskType)
}

// Registry is an immutable snapshot of all role definitions.
type Registry struct {
	roles map[string]Definition
	order []string
}

// NewRegistry validates and freezes a set of definitions. Names and prefixes
// must be unique; routing rules must reference known roles.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{roles: make(map[string]Definition, len(defs))}
	prefixes := map[string]string{}
	for _, def := range defs {
		if def.Name == "" || def.Prefix == "" {
			return nil, fmt.Errorf("role definition missing name or prefix: %+v", def)
		}
		if _, dup := r.roles[def.Name]; dup {
			return nil, fmt.Errorf("duplicate role %q", def.Name)
		}
		if owner, dup := prefixes[def.Prefix]; dup {
			return nil, fmt.Errorf("prefix %q shared by roles %q and %q", def.Prefix, owner, def.Name)
		}
		if def.MaxInstances <= 0 {
			def.MaxInstances = 1
		}
		if def.InitialInstances <= 0 {
			def.InitialInstances = 1
		}
		if def.InitialInstances > def.MaxInstances {
			def.InitialInstances = def.MaxInstances
		}
		if def.TaskTimeout <= 0 {
			def.TaskTimeout = 30 * time.Minute
		}
		prefixes[def.Prefix] = def.Name
		r.roles[def.Name] = def
		r.order = append(r.order, def.Name)
	}
	for _, def := range r.roles {
		for _, rule := range def.RoutesTo {
			if _, ok := r.roles[rule.Role]; !ok {
				return nil, fmt.Errorf("role %q routes to unknown role %q", def.Name, rule.Role)
			}
		}
	}
	return r, nil
}

// Get returns a role by name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.roles[name]
	return def, ok
}

// All returns definitions in configuration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.roles[name])
	}
	return out
}

// ConsumerFor finds the role that accepts a task type, honoring the source
// role's routing mode. Returns ok=false when no legal consumer exists.
func (r *Registry) ConsumerFor(source Definition, taskType string) (Definition, bool) {
	if source.Restricted() {
		for _, rule := range source.RoutesTo {
			if !slices.Contains(rule.TaskTypes, taskType) {
				continue
			}
			target, ok := r.roles[rule.Role]
			if ok && target.AcceptsType(taskType) {
				return target, true
			}
		}
		return Definition{}, false
	}
	for _, name := range r.order {
		def := r.roles[name]
		if def.AcceptsType(taskType) {
			return def, true
		}
	}
	return Definition{}, false
}
