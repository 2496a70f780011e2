// Package config loads meridian's property-bag configuration: the
// cluster.seed/serializer.*/transport.* keys spec.md §6 names, read
// from a YAML file and overridable by CLI flags.
//
// Grounded on cuemby-warren/cmd/warren/apply.go's os.ReadFile +
// yaml.Unmarshal pattern (the teacher's only YAML consumer), adapted
// from a one-off apply-a-resource-file command into a general nested
// key/value property bag, and on the cobra/pflag flag-then-override
// style cuemby-warren/cmd/warren/main.go uses throughout
// (cmd.Flags().GetString(...) read after parse, not bound at
// declaration time).
package config
