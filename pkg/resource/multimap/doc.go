// Package multimap implements the replicated MultiMap resource (spec.md
// §4.2): a map<K, ordered-bag<V>> with a configurable value ordering
// (NATURAL or INSERTION). Iteration order must not depend on Go's
// randomized map iteration, so every key keeps an auxiliary
// insertion-ordered []string of its values alongside the dedup set —
// resolving the Open Question in spec.md §9 on replay determinism.
package multimap
