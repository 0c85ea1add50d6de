// Package parameters handles generic configuration Params, a map[string]string parsed from
// configuration strings like "cartpole:max_steps=200,seed=3" or "checkpoint=~/runs/a,gamma=0.99".
package parameters

import (
	"github.com/pkg/errors"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Params represent generic configuration parameters.
type Params map[string]string

// Value types that can be parsed from Params.
type Value interface {
	bool | int | int64 | float32 | float64 | string
}

// NewFromConfigString create params from user's configuration string, a comma-separated list
// of "key=value" or simply "key" (for booleans) entries.
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=") // Values may contain "=".
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}

// SplitName splits a config of the form "name:key=value,..." into its name and its Params.
// If there is no ":" the whole config is taken as the name.
func SplitName(config string) (name string, params Params) {
	name, rest, found := strings.Cut(config, ":")
	if !found {
		return strings.TrimSpace(config), make(Params)
	}
	return strings.TrimSpace(name), NewFromConfigString(rest)
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var t T
	toT := func(v any) T { return v.(T) }
	switch any(defaultValue).(type) {
	case string:
		return toT(value), nil
	case int:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
		}
		return toT(parsed), nil
	case int64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int64", key, value)
		}
		return toT(parsed), nil
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(float32(parsed)), nil
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(parsed), nil
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1": // Empty value is considered "true"
			return toT(true), nil
		case "false", "0":
			return toT(false), nil
		}
		return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
	}
	return defaultValue, nil
}

// CheckAllUsed returns an error listing the keys still in params. Use it after all the
// expected keys were taken with PopParamOr, to catch typos in the configuration.
func CheckAllUsed(params Params, owner string) error {
	if len(params) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(params))
	return errors.Errorf("unknown parameters for %s: %q", owner, keys)
}
