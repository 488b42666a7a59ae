package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationdaq/rtstation/internal/config"
)

func TestParse_FlagsOverrideDefaults(t *testing.T) {
	plan, err := config.Parse([]string{
		"-i", "file:in.dat",
		"-o", "file:out.dat",
		"-m", "8",
		"-u", "2",
		"-M", "100",
		"-b", "0,243",
		"-z",
		"-c", "5",
	})
	require.NoError(t, err)

	assert.Equal(t, "file:in.dat", plan.InputFormat)
	assert.Equal(t, "file:out.dat", plan.OutputFormat)
	assert.Equal(t, 8, plan.PacketsPerIteration)
	assert.Equal(t, 2, plan.NumPorts)
	assert.Equal(t, 100, plan.Mode)
	assert.Equal(t, config.BeamletRange{Low: 0, High: 243}, plan.Beamlets)
	assert.True(t, plan.CalibrationEnabled)
	assert.Equal(t, 5, plan.CalibrationDurationSec)
}

func TestParse_RejectsBadPacketsPerIteration(t *testing.T) {
	_, err := config.Parse([]string{"-m", "0"})
	require.ErrorIs(t, err, config.ErrUsage)
}

func TestParse_RejectsTooManyPorts(t *testing.T) {
	_, err := config.Parse([]string{"-u", "5"})
	require.ErrorIs(t, err, config.ErrUsage)
}

func TestParse_CalibrationEnabledWithoutDurationIsUsageError(t *testing.T) {
	_, err := config.Parse([]string{"-z"})
	require.ErrorIs(t, err, config.ErrUsage)
}

func TestLoadPlan_ParsesPortsAndOutputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	yamlDoc := `
packetsPerIteration: 16
numPorts: 2
ports:
  - transport: file
    path: /data/port0.dat
    bitMode: 8
    beamlets: 61
  - transport: file
    path: /data/port1.dat
    bitMode: 8
    beamlets: 61
outputs:
  - transport: file
    path: /out/stream0.dat
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	plan, err := config.LoadPlan(path)
	require.NoError(t, err)

	assert.Equal(t, 16, plan.PacketsPerIteration)
	require.Len(t, plan.Ports, 2)
	assert.Equal(t, "/data/port0.dat", plan.Ports[0].Path)
	require.Len(t, plan.Outputs, 1)
	assert.Equal(t, "/out/stream0.dat", plan.Outputs[0].Path)
}

func TestParse_PlanFlagLoadsThenFlagsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("packetsPerIteration: 4\nnumPorts: 1\n"), 0o600))

	plan, err := config.Parse([]string{"-f", path, "-m", "32"})
	require.NoError(t, err)

	assert.Equal(t, 32, plan.PacketsPerIteration, "explicit flag overrides the loaded plan")
	assert.Equal(t, 1, plan.NumPorts, "unspecified flag keeps the plan's value")
}
