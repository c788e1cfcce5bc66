package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddc-labs/oddc/core/pkg/config"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProfileEmptyPathUsesDefaults(t *testing.T) {
	profile, err := config.LoadProfile("")
	require.NoError(t, err)

	th := profile.Thresholds()
	assert.Equal(t, 72*time.Hour, th.MinDuration)
	assert.Equal(t, 95.0, th.MinPassRate)
	assert.Equal(t, int64(100), th.MinSamples)
	assert.Equal(t, 24, profile.ValidityMonths)
}

func TestLoadProfileOverrides(t *testing.T) {
	path := writeProfile(t, `
name: heavy-freight
min_duration_hours: 168
min_pass_rate: 99.5
min_samples: 1000
validity_months: 12
`)
	profile, err := config.LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, "heavy-freight", profile.Name)
	th := profile.Thresholds()
	assert.Equal(t, 168*time.Hour, th.MinDuration)
	assert.Equal(t, 99.5, th.MinPassRate)
	assert.Equal(t, int64(1000), th.MinSamples)
	assert.Equal(t, 12, profile.ValidityMonths)
}

func TestLoadProfilePartialKeepsDefaults(t *testing.T) {
	path := writeProfile(t, "min_samples: 500\n")
	profile, err := config.LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, int64(500), profile.MinSamples)
	assert.Equal(t, 95.0, profile.MinPassRate)
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero samples":       "min_samples: 0\n",
		"pass rate over 100": "min_pass_rate: 120\n",
		"negative duration":  "min_duration_hours: -1\n",
		"zero validity":      "validity_months: 0\n",
		"not yaml":           "{{{\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadProfile(writeProfile(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := config.LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
