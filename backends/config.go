// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ConfigEnvVar is the environment variable with the backends configuration.
//
// The format is a ";" separated list of "<backend_name>:<backend_configuration>", where the
// "<backend_configuration>" is a "," separated list of "key=value" options specific to each backend.
// E.g.: "cpu:parallelism=4;webgpu:power=low,workgroup=128".
const ConfigEnvVar = "CONSTENSOR_BACKEND_CONFIG"

var (
	muConfig        sync.Mutex
	configOverrides = make(map[string]string)
)

// SetConfig overrides the configuration of the backend with the given name. It has precedence
// over ConfigEnvVar, and it only affects backends created after the call.
func SetConfig(name, config string) {
	muConfig.Lock()
	defer muConfig.Unlock()
	configOverrides[name] = config
}

// ConfigFor returns the configuration string for the backend with the given name, or "" if none is set.
func ConfigFor(name string) string {
	muConfig.Lock()
	override, found := configOverrides[name]
	muConfig.Unlock()
	if found {
		return override
	}
	env, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		return ""
	}
	return SplitConfig(env)[name]
}

// SplitConfig splits a ConfigEnvVar formatted value into the configuration of each backend.
func SplitConfig(value string) map[string]string {
	configs := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, config, _ := strings.Cut(part, ":")
		configs[strings.TrimSpace(name)] = strings.TrimSpace(config)
	}
	return configs
}

// Options are the parsed "key=value" options of a backend configuration.
//
// Backends Pop the options they know about, and call Done to reject the unknown ones.
type Options struct {
	backend string
	values  map[string]string
}

// ParseOptions parses a "," separated list of "key=value" options. A key without a value is
// taken as "true".
func ParseOptions(backend, config string) (*Options, error) {
	opts := &Options{backend: backend, values: make(map[string]string)}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, errors.Errorf("invalid configuration option %q for %s backend", part, backend)
		}
		if !hasValue {
			value = "true"
		}
		opts.values[key] = strings.TrimSpace(value)
	}
	return opts, nil
}

// PopString returns the option value, or defaultValue if not set.
func (o *Options) PopString(key, defaultValue string) string {
	value, found := o.values[key]
	if !found {
		return defaultValue
	}
	delete(o.values, key)
	return value
}

// PopInt returns the integer option value, or defaultValue if not set.
func (o *Options) PopInt(key string, defaultValue int) (int, error) {
	value, found := o.values[key]
	if !found {
		return defaultValue, nil
	}
	delete(o.values, key)
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value %q for option %q of %s backend", value, key, o.backend)
	}
	return i, nil
}

// PopBool returns the boolean option value, or defaultValue if not set.
func (o *Options) PopBool(key string, defaultValue bool) (bool, error) {
	value, found := o.values[key]
	if !found {
		return defaultValue, nil
	}
	delete(o.values, key)
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "invalid value %q for option %q of %s backend", value, key, o.backend)
	}
	return b, nil
}

// Done returns an error listing any option that was not popped.
func (o *Options) Done() error {
	if len(o.values) == 0 {
		return nil
	}
	unknown := make([]string, 0, len(o.values))
	for key := range o.values {
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return errors.Errorf("unknown configuration option(s) %q for %s backend", unknown, o.backend)
}
