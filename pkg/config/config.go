package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// PropertyBag is a flat, dotted-key view of a YAML configuration
// document: `cluster: {seed: ...}` loads as the key "cluster.seed".
// spec.md §6 names cluster.seed, serializer.*, and transport.* as the
// recognized keys; PropertyBag itself has no opinion about which keys
// exist, matching the teacher's spec-free yaml.Unmarshal-into-a-map
// style in cmd/warren/apply.go.
type PropertyBag map[string]string

// Load reads path as YAML and flattens it into a PropertyBag. A missing
// file is not an error: callers run entirely off flag defaults and
// command-line overrides in that case.
func Load(path string) (PropertyBag, error) {
	bag := PropertyBag{}
	if path == "" {
		return bag, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return bag, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	flatten("", doc, bag)
	return bag, nil
}

func flatten(prefix string, in map[string]any, out PropertyBag) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// String returns bag[key], or def if unset.
func (b PropertyBag) String(key, def string) string {
	if v, ok := b[key]; ok && v != "" {
		return v
	}
	return def
}

// StringSlice splits bag[key] on commas, trimming whitespace, as
// cluster.seed's "host:port,host:port" list does.
func (b PropertyBag) StringSlice(key string) []string {
	v, ok := b[key]
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration parses bag[key] (a Go duration string), or def if unset or
// unparsable.
func (b PropertyBag) Duration(key string, def time.Duration) time.Duration {
	v, ok := b[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Bool parses bag[key], or def if unset or unparsable.
func (b PropertyBag) Bool(key string, def bool) bool {
	v, ok := b[key]
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

// WithFlagOverride returns a copy of b with key set to flags' value for
// flagName, if that flag was explicitly set on the command line. Used
// to let a cmd/meridiand/cmd/meridianctl flag take precedence over the
// YAML file it was loaded alongside, the same precedence order the
// teacher's commands give flags over defaults.
func (b PropertyBag) WithFlagOverride(flags *pflag.FlagSet, flagName, key string) PropertyBag {
	if flags == nil || !flags.Changed(flagName) {
		return b
	}
	value, err := flags.GetString(flagName)
	if err != nil {
		return b
	}
	out := make(PropertyBag, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	out[key] = value
	return out
}
