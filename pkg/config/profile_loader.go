package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oddc-labs/oddc/core/pkg/conform"
)

// PolicyProfile is the certification policy: the pass/fail minimums the
// evaluator applies and the validity window of issued certificates.
// Deployments certifying different system classes load different profiles.
type PolicyProfile struct {
	Name             string  `yaml:"name" json:"name"`
	MinDurationHours float64 `yaml:"min_duration_hours" json:"min_duration_hours"`
	MinPassRate      float64 `yaml:"min_pass_rate" json:"min_pass_rate"`
	MinSamples       int64   `yaml:"min_samples" json:"min_samples"`
	ValidityMonths   int     `yaml:"validity_months" json:"validity_months"`
}

// DefaultProfile returns the published ODDC certification minimums.
func DefaultProfile() *PolicyProfile {
	th := conform.DefaultThresholds()
	return &PolicyProfile{
		Name:             "oddc-default",
		MinDurationHours: th.MinDuration.Hours(),
		MinPassRate:      th.MinPassRate,
		MinSamples:       th.MinSamples,
		ValidityMonths:   24,
	}
}

// LoadProfile loads a policy profile from a YAML file. An empty path
// returns the default profile.
func LoadProfile(path string) (*PolicyProfile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return profile, nil
}

// Thresholds converts the profile into evaluator thresholds.
func (p *PolicyProfile) Thresholds() conform.Thresholds {
	return conform.Thresholds{
		MinDuration: time.Duration(p.MinDurationHours * float64(time.Hour)),
		MinPassRate: p.MinPassRate,
		MinSamples:  p.MinSamples,
	}
}

func (p *PolicyProfile) validate() error {
	if p.MinDurationHours <= 0 {
		return fmt.Errorf("min_duration_hours must be positive, got %v", p.MinDurationHours)
	}
	if p.MinPassRate <= 0 || p.MinPassRate > 100 {
		return fmt.Errorf("min_pass_rate must be in (0,100], got %v", p.MinPassRate)
	}
	if p.MinSamples <= 0 {
		return fmt.Errorf("min_samples must be positive, got %v", p.MinSamples)
	}
	if p.ValidityMonths <= 0 {
		return fmt.Errorf("validity_months must be positive, got %v", p.ValidityMonths)
	}
	return nil
}
