// Package config loads and validates project configuration from
// <root>/.openagents/project.json (or a .yaml sibling), the way
// RunConfigFile is loaded in the teacher's engine package: strict decode,
// defaults, then schema validation.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// HealerMode selects how aggressively the healer is allowed to act.
type HealerMode string

const (
	ModeConservative HealerMode = "conservative"
	ModeAggressive   HealerMode = "aggressive"
)

// LastGreenCommitSource resolves spec.md §9 open question (a): where
// rewind_to_last_green_commit reads its target sha from.
type LastGreenCommitSource string

const (
	LastGreenFromHealthRunner LastGreenCommitSource = "healthrunner"
	LastGreenFromTag          LastGreenCommitSource = "tag"
)

// ScenarioToggles enables/disables each scenario the PolicyGate may admit.
type ScenarioToggles struct {
	OnInitFailure         bool `json:"onInitFailure" yaml:"onInitFailure"`
	OnVerificationFailure bool `json:"onVerificationFailure" yaml:"onVerificationFailure"`
	OnSubtaskFailure      bool `json:"onSubtaskFailure" yaml:"onSubtaskFailure"`
	OnRuntimeError        bool `json:"onRuntimeError" yaml:"onRuntimeError"`
	OnStuckSubtask        bool `json:"onStuckSubtask" yaml:"onStuckSubtask"`
}

// SpellFilters is the allow/deny list for spell ids; allow, if non-empty,
// takes precedence over forbid (spec.md §4.7).
type SpellFilters struct {
	Allowed   []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Forbidden []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
}

// HealerConfig is the `healer` object of project.json (spec.md §6).
type HealerConfig struct {
	Enabled                  bool                   `json:"enabled" yaml:"enabled"`
	MaxInvocationsPerSession int                    `json:"maxInvocationsPerSession,omitempty" yaml:"maxInvocationsPerSession,omitempty"`
	MaxInvocationsPerSubtask int                    `json:"maxInvocationsPerSubtask,omitempty" yaml:"maxInvocationsPerSubtask,omitempty"`
	Mode                     HealerMode             `json:"mode,omitempty" yaml:"mode,omitempty"`
	StuckThresholdHours      float64                `json:"stuckThresholdHours,omitempty" yaml:"stuckThresholdHours,omitempty"`
	Scenarios                ScenarioToggles        `json:"scenarios" yaml:"scenarios"`
	Spells                   SpellFilters           `json:"spells" yaml:"spells"`
	LastGreenCommitSource    LastGreenCommitSource  `json:"lastGreenCommitSource,omitempty" yaml:"lastGreenCommitSource,omitempty"`
	AllowForceRewind         bool                   `json:"allowForceRewind,omitempty" yaml:"allowForceRewind,omitempty"`
}

// Project is the decoded, defaulted, validated shape of project.json
// (spec.md §6).
type Project struct {
	ProjectID        string       `json:"projectId" yaml:"projectId"`
	RootDir          string       `json:"rootDir" yaml:"rootDir"`
	DefaultBranch    string       `json:"defaultBranch,omitempty" yaml:"defaultBranch,omitempty"`
	TypecheckCommands []string    `json:"typecheckCommands,omitempty" yaml:"typecheckCommands,omitempty"`
	TestCommands      []string    `json:"testCommands,omitempty" yaml:"testCommands,omitempty"`
	E2ECommands       []string    `json:"e2eCommands,omitempty" yaml:"e2eCommands,omitempty"`
	AllowPush         bool        `json:"allowPush,omitempty" yaml:"allowPush,omitempty"`
	AllowForcePush    bool        `json:"allowForcePush,omitempty" yaml:"allowForcePush,omitempty"`
	SubtaskTimeoutMS  int         `json:"subtaskTimeoutMs,omitempty" yaml:"subtaskTimeoutMs,omitempty"`
	CheckpointExcludeGlobs []string `json:"checkpointExcludeGlobs,omitempty" yaml:"checkpointExcludeGlobs,omitempty"`
	Healer            HealerConfig `json:"healer" yaml:"healer"`
}

// Load reads and validates the project config at path (either .json or
// .yaml/.yml), applying defaults after strict decode and before schema
// validation — mirroring LoadRunConfigFile's decode-then-default-then-
// validate pipeline.
func Load(path string) (*Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Project
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := decodeYAMLStrict(b, &p); err != nil {
			return nil, err
		}
	default:
		if err := decodeJSONStrict(b, &p); err != nil {
			return nil, err
		}
	}
	applyDefaults(&p)
	if err := validateSchema(b, ext); err != nil {
		return nil, err
	}
	if err := validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeJSONStrict(b []byte, p *Project) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("decode project config: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("project config: multiple top-level JSON values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, p *Project) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("decode project config: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("project config: multiple YAML documents are not allowed")
		}
		return err
	}
	return nil
}

// applyDefaults fills in the defaults spec.md §4.5/§4.9 name when the
// config omits them: sessionLimit=2, subtaskLimit=1, conservative mode,
// a 1 hour stuck threshold, and the HealthRunner as the default last-green
// source (DESIGN.md open question (a)).
func applyDefaults(p *Project) {
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.SubtaskTimeoutMS == 0 {
		p.SubtaskTimeoutMS = 600000
	}
	if p.Healer.MaxInvocationsPerSession == 0 {
		p.Healer.MaxInvocationsPerSession = 2
	}
	if p.Healer.MaxInvocationsPerSubtask == 0 {
		p.Healer.MaxInvocationsPerSubtask = 1
	}
	if p.Healer.Mode == "" {
		p.Healer.Mode = ModeConservative
	}
	if p.Healer.StuckThresholdHours == 0 {
		p.Healer.StuckThresholdHours = 1
	}
	if p.Healer.LastGreenCommitSource == "" {
		p.Healer.LastGreenCommitSource = LastGreenFromHealthRunner
	}
	p.TypecheckCommands = trimNonEmpty(p.TypecheckCommands)
	p.TestCommands = trimNonEmpty(p.TestCommands)
	p.E2ECommands = trimNonEmpty(p.E2ECommands)
	p.CheckpointExcludeGlobs = trimNonEmpty(p.CheckpointExcludeGlobs)
}

func validate(p *Project) error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return fmt.Errorf("projectId is required")
	}
	if strings.TrimSpace(p.RootDir) == "" {
		return fmt.Errorf("rootDir is required")
	}
	if p.SubtaskTimeoutMS < 0 {
		return fmt.Errorf("subtaskTimeoutMs must be >= 0")
	}
	switch p.Healer.Mode {
	case ModeConservative, ModeAggressive:
	default:
		return fmt.Errorf("invalid healer.mode: %q (want conservative|aggressive)", p.Healer.Mode)
	}
	switch p.Healer.LastGreenCommitSource {
	case LastGreenFromHealthRunner, LastGreenFromTag:
	default:
		return fmt.Errorf("invalid healer.lastGreenCommitSource: %q (want healthrunner|tag)", p.Healer.LastGreenCommitSource)
	}
	if p.Healer.MaxInvocationsPerSession < 0 || p.Healer.MaxInvocationsPerSubtask < 0 {
		return fmt.Errorf("healer invocation limits must be >= 0")
	}
	return nil
}

// validateSchema validates the raw document against projectSchemaJSON
// before defaults are applied, the way tool_registry.go compiles and
// validates tool-call arguments against a declared JSON Schema. YAML
// documents are converted to a JSON-compatible value first since the
// schema is JSON Schema proper.
func validateSchema(raw []byte, ext string) error {
	var doc any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return err
		}
		doc = toJSONCompatible(doc)
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	schema, err := compileProjectSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(encoded, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("project config schema: %w", err)
	}
	return nil
}

func compileProjectSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("project.schema.json", strings.NewReader(projectSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("project.schema.json")
}

// toJSONCompatible recursively converts map[string]any keys produced by
// yaml.v3 (which may use map[string]any already, but nested sequences can
// carry non-JSON-safe types) into a shape encoding/json can marshal.
func toJSONCompatible(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = toJSONCompatible(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = toJSONCompatible(val)
		}
		return out
	default:
		return x
	}
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
