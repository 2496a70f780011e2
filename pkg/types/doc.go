// Package types defines the core data model shared across meridian: resource
// types, resource records, session lifecycle, consistency levels, and the
// typed error kinds returned to callers.
package types
