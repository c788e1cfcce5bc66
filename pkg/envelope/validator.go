// Package envelope validates declared operational envelope documents at
// application intake.
//
// An envelope is the JSON contract describing where and how the autonomous
// system may operate: numeric limits, operating regions and conditions,
// and optional guard expressions evaluated by the field agent against
// live telemetry samples. Validation is fail-closed: a document that does
// not satisfy the schema, carries an unsupported version, or declares a
// guard that does not compile is rejected before an application exists.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedVersions is the envelope version range this engine accepts.
const SupportedVersions = "^1.0.0"

const schemaURL = "https://oddc.schemas.local/envelope.schema.json"

// envelopeSchema is the structural contract for a declared envelope.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["max_speed_kph"],
	"properties": {
		"max_speed_kph": {"type": "number", "exclusiveMinimum": 0},
		"regions": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"conditions": {"type": "array", "items": {"type": "string"}},
		"max_occupants": {"type": "integer", "minimum": 0},
		"guards": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

// Envelope is the parsed declared envelope.
type Envelope struct {
	MaxSpeedKPH  float64  `json:"max_speed_kph"`
	Regions      []string `json:"regions,omitempty"`
	Conditions   []string `json:"conditions,omitempty"`
	MaxOccupants int      `json:"max_occupants,omitempty"`
	Guards       []string `json:"guards,omitempty"`
}

// Validator checks envelope documents. Safe for concurrent use.
type Validator struct {
	schema    *jsonschema.Schema
	supported *semver.Constraints
	env       *cel.Env
}

// NewValidator compiles the schema, the supported version range, and the
// guard expression environment.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("envelope: load schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope: compile schema: %w", err)
	}

	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, fmt.Errorf("envelope: version constraint: %w", err)
	}

	// Guard expressions see one telemetry sample at a time. The variables
	// here are the sample attributes the field agent reports.
	env, err := cel.NewEnv(
		cel.Variable("speed_kph", cel.DoubleType),
		cel.Variable("region", cel.StringType),
		cel.Variable("condition", cel.StringType),
		cel.Variable("occupants", cel.IntType),
		cel.Variable("inside_geofence", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("envelope: guard environment: %w", err)
	}

	return &Validator{schema: schema, supported: supported, env: env}, nil
}

// Validate checks one envelope document against the schema, the supported
// version range, and guard compilability.
func (v *Validator) Validate(envelopeJSON string, version string) error {
	ver, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("envelope version %q is not semantic: %w", version, err)
	}
	if !v.supported.Check(ver) {
		return fmt.Errorf("envelope version %s is outside the supported range %s", version, SupportedVersions)
	}

	var doc any
	if err := json.Unmarshal([]byte(envelopeJSON), &doc); err != nil {
		return fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("envelope schema violation: %w", err)
	}

	var parsed Envelope
	if err := json.Unmarshal([]byte(envelopeJSON), &parsed); err != nil {
		return fmt.Errorf("envelope decode: %w", err)
	}
	for i, guard := range parsed.Guards {
		if err := v.compileGuard(guard); err != nil {
			return fmt.Errorf("guard %d (%q): %w", i, guard, err)
		}
	}
	return nil
}

// Parse validates and decodes an envelope document.
func (v *Validator) Parse(envelopeJSON string, version string) (*Envelope, error) {
	if err := v.Validate(envelopeJSON, version); err != nil {
		return nil, err
	}
	var parsed Envelope
	if err := json.Unmarshal([]byte(envelopeJSON), &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (v *Validator) compileGuard(expr string) error {
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("does not compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("must evaluate to a boolean, got %s", ast.OutputType())
	}
	return nil
}
