// Package envelope defines the operation envelope (C1) that wraps every
// resource-level command or query submitted to the Resource Manager: a
// resource id, the inner operation payload, the requested consistency
// level, and the compaction mode the owning commit should declare.
//
// The shape is a direct generalization of cuemby-warren/pkg/manager/fsm.go's
// Command{Op string, Data json.RawMessage}: meridian keeps the "tagged JSON
// payload routed by a string/id" idiom but adds the resource id needed to
// multiplex many resources onto one Raft log, plus the consistency and
// compaction metadata spec.md §4.1 requires.
package envelope
