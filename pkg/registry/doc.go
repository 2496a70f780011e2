// Package registry implements the resource-type registry and factory
// (C6): a table mapping a stable ResourceType id to the constructor and
// codec names pkg/manager needs to instantiate and route operations for
// that type. Loaded once at process start from the built-in resource
// packages (pkg/resource/value, multimap, topic, taskqueue); duplicate
// type ids or codec names are rejected at load time, mirroring the
// CODEC_CONFLICT check spec.md §6 calls for.
package registry
