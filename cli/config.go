package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/bestfirst/search"
)

// Profile is a search setup as stored in a YAML file. Command line flags
// override the values of a loaded profile.
type Profile struct {
	Problem     string        `yaml:"problem"`
	Branching   int           `yaml:"branching"`
	Depth       int           `yaml:"depth"`
	Seed        int           `yaml:"seed"`
	Evaluator   string        `yaml:"evaluator"`
	EvalDelay   time.Duration `yaml:"eval_delay"`
	Workers     int           `yaml:"workers"`
	Policy      string        `yaml:"policy"`
	Timeout     time.Duration `yaml:"timeout"`
	NodeTimeout time.Duration `yaml:"node_timeout"`

	Store        string `yaml:"store"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	MetricsAddr  string `yaml:"metrics_addr"`
	Serve        string `yaml:"serve"`
	Schedule     string `yaml:"schedule"`
	MaxRuns      int    `yaml:"max_runs"`
}

func defaultProfile() Profile {
	return Profile{
		Problem:   "tree",
		Branching: 2,
		Depth:     6,
		Policy:    "none",
	}
}

// loadProfile reads a profile from path on top of the defaults. Unknown keys
// are rejected.
func loadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from user CLI flag
	if err != nil {
		return Profile{}, err
	}
	return parseProfile(data)
}

func parseProfile(data []byte) (Profile, error) {
	p := defaultProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("parsing profile: %w", err)
	}
	return p, p.validate()
}

func (p Profile) validate() error {
	var errs []error
	switch p.Problem {
	case "tree":
		if p.Branching < 1 {
			errs = append(errs, fmt.Errorf("branching must be at least 1"))
		}
		switch p.Evaluator {
		case "", "depth", "index":
		default:
			errs = append(errs, fmt.Errorf("unknown tree evaluator %q (want depth or index)", p.Evaluator))
		}
	case "lattice":
		if p.Evaluator != "" && p.Evaluator != "cost" {
			errs = append(errs, fmt.Errorf("unknown lattice evaluator %q (want cost)", p.Evaluator))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown problem %q (want tree or lattice)", p.Problem))
	}
	if p.Depth < 0 {
		errs = append(errs, fmt.Errorf("depth must not be negative"))
	}
	if _, err := search.ParseParentDiscarding(p.Policy); err != nil {
		errs = append(errs, err)
	}
	if p.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative"))
	}
	if p.MaxRuns < 0 {
		errs = append(errs, fmt.Errorf("max_runs must not be negative"))
	}
	if p.Timeout < 0 || p.NodeTimeout < 0 || p.EvalDelay < 0 {
		errs = append(errs, fmt.Errorf("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// resolveProfile loads --config if given and applies every flag the user set.
func resolveProfile(cmd *cobra.Command) (Profile, error) {
	p := defaultProfile()
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		loaded, err := loadProfile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Profile{}, exitError(exitFileNotFound, "config file not found: %s", path)
			}
			return Profile{}, exitError(exitConfig, "%v", err)
		}
		p = loaded
	}

	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setInt := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}

	setString("problem", &p.Problem)
	setInt("branching", &p.Branching)
	setInt("depth", &p.Depth)
	setInt("seed", &p.Seed)
	setString("evaluator", &p.Evaluator)
	setDuration("eval-delay", &p.EvalDelay)
	setInt("workers", &p.Workers)
	setString("policy", &p.Policy)
	setDuration("timeout", &p.Timeout)
	setDuration("node-timeout", &p.NodeTimeout)
	setString("store", &p.Store)
	setString("otlp-endpoint", &p.OTLPEndpoint)
	setString("metrics-addr", &p.MetricsAddr)
	setString("serve", &p.Serve)
	setString("schedule", &p.Schedule)
	setInt("max-runs", &p.MaxRuns)

	if err := p.validate(); err != nil {
		return Profile{}, exitError(exitConfig, "%v", err)
	}
	return p, nil
}
