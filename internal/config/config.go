// Package config parses the command-line surface described in
// SPEC_FULL.md section 4.I: pflag-based flags matching spec.md's CLI table,
// with an optional YAML observation plan overridden field-by-field by
// explicit flags.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrUsage is returned for malformed or missing required flags, mapping to
// exit code 1 per spec.md section 6.
var ErrUsage = errors.New("config: usage error")

// BeamletRange is a low,high inclusive beamlet selection.
type BeamletRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// Config is the fully-resolved set of parameters needed to construct an
// Orchestrator and its transports.
type Config struct {
	InputFormat  string `yaml:"inputFormat"`
	OutputFormat string `yaml:"outputFormat"`

	PacketsPerIteration int `yaml:"packetsPerIteration"`
	NumPorts            int `yaml:"numPorts"`

	Mode int `yaml:"mode"`

	Beamlets BeamletRange `yaml:"beamlets"`

	StartSec    int `yaml:"startSec"`
	DurationSec int `yaml:"durationSec"`

	ReplayDrops bool `yaml:"replayDrops"`

	CalibrationDurationSec int  `yaml:"calibrationDurationSec"`
	CalibrationEnabled     bool `yaml:"calibrationEnabled"`

	// MetadataFormat selects the sidecar encoder ("flat", "filterbank",
	// "ringblock", "hdf5"); empty disables the metadata sidecar entirely.
	// "hdf5" attaches attributes to the hdf5 output writer's group instead
	// of opening MetadataPath.
	MetadataFormat string `yaml:"metadataFormat"`
	MetadataPath   string `yaml:"metadataPath"`
}

// ObservationPlan is the full YAML document an operator can load with -f:
// the base Config plus an explicit port list and output layout list, which
// the CLI's flat Config cannot express.
type ObservationPlan struct {
	Config `yaml:",inline"`

	Ports   []PortPlan  `yaml:"ports"`
	Outputs []OutputPlan `yaml:"outputs"`
}

// PortPlan describes one input port's static shape.
type PortPlan struct {
	Transport   string `yaml:"transport"` // "file", "fifo", "zstd", "shm"
	Path        string `yaml:"path"`
	BitMode     int    `yaml:"bitMode"`
	Beamlets    int    `yaml:"beamlets"`
	BaseBeamlet int    `yaml:"baseBeamlet"`

	// ShmKey and ShmCapacity are only meaningful when Transport == "shm".
	// Path with a ".lock" suffix is used as the exclusive-reader lock file
	// path.
	ShmKey      int    `yaml:"shmKey"`
	ShmCapacity uint64 `yaml:"shmCapacity"`
}

// OutputPlan describes one output writer's destination.
type OutputPlan struct {
	Transport string `yaml:"transport"` // "file", "fifo", "zstd", "shm", "hdf5"
	Path      string `yaml:"path"`

	// ShmKey and ShmCapacity are only meaningful when Transport == "shm".
	ShmKey      int    `yaml:"shmKey"`
	ShmCapacity uint64 `yaml:"shmCapacity"`

	// Dataset, Cols, ElementSize and Bitshuffle are only meaningful when
	// Transport == "hdf5".
	Dataset     string `yaml:"dataset"`
	Cols        int    `yaml:"cols"`
	ElementSize int    `yaml:"elementSize"`
	Bitshuffle  bool   `yaml:"bitshuffle"`
}

// Parse parses args (typically os.Args[1:]) against the CLI surface and
// returns the resolved ObservationPlan. Without -f, packets-per-iteration and
// ports start from their flag defaults. If -f names a YAML observation plan, it is
// loaded first and then overridden field-by-field by any flag explicitly
// passed on the command line.
func Parse(args []string) (ObservationPlan, error) {
	fs := pflag.NewFlagSet("rtstation", pflag.ContinueOnError)

	input := fs.StringP("input", "i", "", "input transport format string")
	output := fs.StringP("output", "o", "", "output transport format string")
	packetsPerIteration := fs.IntP("packets-per-iteration", "m", 16, "packets per iteration (P)")
	numPorts := fs.IntP("ports", "u", 1, "number of input ports")
	mode := fs.IntP("mode", "M", 0, "output mode code")
	beamlets := fs.StringP("beamlets", "b", "", "beamlet range low,high")
	startSec := fs.IntP("start", "t", 0, "observation start offset, seconds")
	durationSec := fs.IntP("duration", "s", 0, "observation duration, seconds")
	replay := fs.BoolP("replay", "r", false, "replay last good packet on drop instead of zero-padding")
	calibrationDuration := fs.IntP("calibration-duration", "c", 0, "calibration step duration, seconds")
	calibrationEnabled := fs.BoolP("calibrate", "z", false, "enable calibration")
	planPath := fs.StringP("plan", "f", "", "YAML observation plan path")
	help := fs.BoolP("help", "h", false, "display help text")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rtstation [OPTIONS]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ObservationPlan{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if *help {
		fs.Usage()
		return ObservationPlan{}, fmt.Errorf("%w: help requested", ErrUsage)
	}

	var plan ObservationPlan

	if *planPath != "" {
		loaded, err := LoadPlan(*planPath)
		if err != nil {
			return ObservationPlan{}, err
		}

		plan = loaded
	} else {
		plan.PacketsPerIteration = *packetsPerIteration
		plan.NumPorts = *numPorts
	}

	if err := applyFlagOverrides(&plan.Config, fs, input, output, packetsPerIteration, numPorts, mode, beamlets, startSec, durationSec, replay, calibrationDuration, calibrationEnabled); err != nil {
		return ObservationPlan{}, err
	}

	if err := Validate(plan.Config); err != nil {
		return ObservationPlan{}, err
	}

	return plan, nil
}

func applyFlagOverrides(
	c *Config,
	fs *pflag.FlagSet,
	input, output *string,
	packetsPerIteration, numPorts, mode *int,
	beamlets *string,
	startSec, durationSec *int,
	replay *bool,
	calibrationDuration *int,
	calibrationEnabled *bool,
) error {
	if fs.Changed("input") {
		c.InputFormat = *input
	}

	if fs.Changed("output") {
		c.OutputFormat = *output
	}

	if fs.Changed("packets-per-iteration") {
		c.PacketsPerIteration = *packetsPerIteration
	}

	if fs.Changed("ports") {
		c.NumPorts = *numPorts
	}

	if fs.Changed("mode") {
		c.Mode = *mode
	}

	if fs.Changed("beamlets") {
		r, err := parseBeamletRange(*beamlets)
		if err != nil {
			return err
		}

		c.Beamlets = r
	}

	if fs.Changed("start") {
		c.StartSec = *startSec
	}

	if fs.Changed("duration") {
		c.DurationSec = *durationSec
	}

	if fs.Changed("replay") {
		c.ReplayDrops = *replay
	}

	if fs.Changed("calibration-duration") {
		c.CalibrationDurationSec = *calibrationDuration
	}

	if fs.Changed("calibrate") {
		c.CalibrationEnabled = *calibrationEnabled
	}

	return nil
}

func parseBeamletRange(s string) (BeamletRange, error) {
	var r BeamletRange

	if _, err := fmt.Sscanf(s, "%d,%d", &r.Low, &r.High); err != nil {
		return BeamletRange{}, fmt.Errorf("%w: malformed beamlet range %q", ErrUsage, s)
	}

	return r, nil
}

// LoadPlan reads and parses a YAML observation plan from path.
func LoadPlan(path string) (ObservationPlan, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return ObservationPlan{}, fmt.Errorf("%w: reading plan %s: %v", ErrUsage, path, err)
	}

	var plan ObservationPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return ObservationPlan{}, fmt.Errorf("%w: parsing plan %s: %v", ErrUsage, path, err)
	}

	return plan, nil
}

// Validate checks that c is internally consistent, mapping failures to
// ErrUsage per spec.md section 7.
func Validate(c Config) error {
	if c.PacketsPerIteration <= 0 {
		return fmt.Errorf("%w: packets-per-iteration must be positive, got %d", ErrUsage, c.PacketsPerIteration)
	}

	if c.NumPorts < 1 || c.NumPorts > 4 {
		return fmt.Errorf("%w: ports must be in [1,4], got %d", ErrUsage, c.NumPorts)
	}

	if c.Beamlets.Low > c.Beamlets.High {
		return fmt.Errorf("%w: beamlet range low (%d) exceeds high (%d)", ErrUsage, c.Beamlets.Low, c.Beamlets.High)
	}

	if c.CalibrationEnabled && c.CalibrationDurationSec <= 0 {
		return fmt.Errorf("%w: calibration enabled but calibration-duration is non-positive", ErrUsage)
	}

	return nil
}
