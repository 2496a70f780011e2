// Package localstore is a node-local, disk-backed read-through cache of
// the last value seen for each resource, serving ReadLocal queries
// (types.ReadLocal) without a Raft log round trip.
//
// Grounded on cuemby-warren/pkg/storage.BoltStore: same bolt.Open +
// single create-buckets-if-missing Update transaction at startup,
// generalized from one bucket per domain entity (nodes, services,
// containers, ...) to a single "resources" bucket keyed by resource id,
// since meridian's resource set is open-ended and table-driven
// (pkg/registry) rather than a fixed enum of entity kinds.
package localstore
