// Package config loads the orchestrator's configuration documents: team
// settings and one role definition per file. Parsing stops here; the rest of
// the core consumes the structured records.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskbrew/internal/otel"
	"github.com/basket/taskbrew/internal/roles"
)

// GuardrailsConfig mirrors the persistence guardrails.
type GuardrailsConfig struct {
	MaxTaskDepth        int `yaml:"max_task_depth"`
	MaxTasksPerGroup    int `yaml:"max_tasks_per_group"`
	RejectionCycleLimit int `yaml:"rejection_cycle_limit"`
}

// ProviderCommand describes how to launch one provider CLI.
type ProviderCommand struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Quiet bool   `yaml:"quiet"`
}

// TeamSettings is the top-level team.yaml document.
type TeamSettings struct {
	DatabasePath string                     `yaml:"database_path"`
	HomeDir      string                     `yaml:"home_dir"`
	DefaultModel string                     `yaml:"default_model"`
	Guardrails   GuardrailsConfig           `yaml:"guardrails"`
	Providers    map[string]ProviderCommand `yaml:"providers"`
	Logging      LoggingConfig              `yaml:"logging"`
	Otel         otel.Config                `yaml:"otel"`
	// ShutdownDeadlineSeconds bounds graceful stop; exceeded loops are
	// force-cancelled.
	ShutdownDeadlineSeconds int `yaml:"shutdown_deadline_seconds"`
}

// autoScaleDoc is the auto_scale block of a role document.
type autoScaleDoc struct {
	Enabled              bool `yaml:"enabled"`
	ScaleUpThreshold     int  `yaml:"scale_up_threshold"`
	ScaleDownIdleSeconds int  `yaml:"scale_down_idle_seconds"`
	CooldownSeconds      int  `yaml:"cooldown_seconds"`
}

type routeRuleDoc struct {
	Role      string   `yaml:"role"`
	TaskTypes []string `yaml:"task_types"`
}

// roleDoc is one role definition document.
type roleDoc struct {
	Role               string         `yaml:"role"`
	DisplayName        string         `yaml:"display_name"`
	Prefix             string         `yaml:"prefix"`
	Color              string         `yaml:"color"`
	Emoji              string         `yaml:"emoji"`
	SystemPrompt       string         `yaml:"system_prompt"`
	Tools              []string       `yaml:"tools"`
	Model              string         `yaml:"model"`
	Provider           string         `yaml:"provider"`
	Accepts            []string       `yaml:"accepts"`
	Produces           []string       `yaml:"produces"`
	RoutesTo           []routeRuleDoc `yaml:"routes_to"`
	MaxInstances       int            `yaml:"max_instances"`
	InitialInstances   int            `yaml:"initial_instances"`
	TaskTimeoutSeconds int            `yaml:"task_timeout_seconds"`
	AutoScale          autoScaleDoc   `yaml:"auto_scale"`
}

// Config is everything loaded at startup.
type Config struct {
	Team  TeamSettings
	Roles []roles.Definition
}

// DefaultHomeDir returns the conventional taskbrew home.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbrew")
}

// Load reads team.yaml and every roles/*.yaml under dir.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultHomeDir()
	}
	team, err := loadTeam(filepath.Join(dir, "team.yaml"))
	if err != nil {
		return nil, err
	}
	if team.HomeDir == "" {
		team.HomeDir = dir
	}
	if team.DatabasePath == "" {
		team.DatabasePath = filepath.Join(team.HomeDir, "taskbrew.db")
	}
	defs, err := loadRoles(filepath.Join(dir, "roles"), team.DefaultModel)
	if err != nil {
		return nil, err
	}
	return &Config{Team: team, Roles: defs}, nil
}

func loadTeam(path string) (TeamSettings, error) {
	var team TeamSettings
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return team, nil
		}
		return team, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &team); err != nil {
		return team, fmt.Errorf("parse %s: %w", path, err)
	}
	return team, nil
}

func loadRoles(dir, defaultModel string) ([]roles.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read roles dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []roles.Definition
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var doc roleDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if doc.Role == "" {
			return nil, fmt.Errorf("%s: role name is required", path)
		}
		defs = append(defs, docToDefinition(doc, defaultModel))
	}
	return defs, nil
}

func docToDefinition(doc roleDoc, defaultModel string) roles.Definition {
	model := doc.Model
	if model == "" {
		model = defaultModel
	}
	var rules []roles.RouteRule
	for _, rule := range doc.RoutesTo {
		rules = append(rules, roles.RouteRule{Role: rule.Role, TaskTypes: rule.TaskTypes})
	}
	return roles.Definition{
		Name:             doc.Role,
		DisplayName:      doc.DisplayName,
		Prefix:           doc.Prefix,
		Color:            doc.Color,
		Emoji:            doc.Emoji,
		SystemPrompt:     doc.SystemPrompt,
		Tools:            doc.Tools,
		Model:            model,
		Provider:         doc.Provider,
		Accepts:          doc.Accepts,
		Produces:         doc.Produces,
		RoutesTo:         rules,
		MaxInstances:     doc.MaxInstances,
		InitialInstances: doc.InitialInstances,
		TaskTimeout:      time.Duration(doc.TaskTimeoutSeconds) * time.Second,
		AutoScale: roles.AutoScale{
			Enabled:          doc.AutoScale.Enabled,
			ScaleUpThreshold: doc.AutoScale.ScaleUpThreshold,
			ScaleDownIdle:    time.Duration(doc.AutoScale.ScaleDownIdleSeconds) * time.Second,
			Cooldown:         time.Duration(doc.AutoScale.CooldownSeconds) * time.Second,
		},
	}
}

// ShutdownDeadline returns the configured graceful-stop bound.
func (t TeamSettings) ShutdownDeadline() time.Duration {
	if t.ShutdownDeadlineSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.ShutdownDeadlineSeconds) * time.Second
}
