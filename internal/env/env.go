// Package env defines the episodic environments the policy is trained on, and a registry
// to create them from configuration strings like "cartpole:max_steps=200,seed=3".
//
// The environments themselves live in this package, and register themselves on init.
package env

import (
	"fmt"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/pkg/errors"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Environment is an episodic environment with a fixed number of real-valued observation
// features and a fixed number of discrete actions.
type Environment interface {
	// Reset starts a new episode and returns its first observation.
	Reset() []float32

	// Step takes the given action, and returns the next observation, the immediate reward and
	// whether the episode is over. Step must not be called again after done, before a Reset.
	Step(action int) (observation []float32, reward float32, done bool)

	// NumFeatures is the length of the observations.
	NumFeatures() int

	// NumActions is the number of discrete actions, numbered from 0.
	NumActions() int

	String() string
}

// Factory creates an environment from its parameters. It should consume (pop) the
// parameters it uses: unused parameters are reported as errors.
type Factory func(params parameters.Params) (Environment, error)

var registry = make(map[string]Factory)

// Register an environment factory under the given name.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Names of the registered environments, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}

// DefaultConfig is used by New when given an empty configuration.
var DefaultConfig = "cartpole"

// New creates an environment from its configuration string: the environment name, optionally
// followed by a colon and a comma-separated list of parameters.
func New(config string) (Environment, error) {
	return NewVariant(config, 0)
}

// NewVariant creates an environment like New, but if the configuration has a non-zero "seed",
// variant is added to it. Variant 0 is the same as New.
//
// It is used to create independently seeded copies of an environment, e.g. for evaluation.
func NewVariant(config string, variant int) (Environment, error) {
	if strings.TrimSpace(config) == "" {
		config = DefaultConfig
	}
	name, params := parameters.SplitName(config)
	factory, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown environment %q, registered environments are %q", name, Names())
	}
	if seedStr, found := params["seed"]; found && variant != 0 {
		seed, err := strconv.ParseInt(seedStr, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse seed %q of environment %q", seedStr, name)
		}
		if seed != 0 {
			params["seed"] = strconv.FormatInt(seed+int64(variant), 10)
		}
	}
	e, err := factory(params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create environment %q", name)
	}
	if err = parameters.CheckAllUsed(params, fmt.Sprintf("environment %q", name)); err != nil {
		return nil, err
	}
	return e, nil
}
