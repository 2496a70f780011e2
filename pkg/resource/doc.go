// Package resource defines the shared contract every per-resource state
// machine (C2: Value, MultiMap, Topic, TaskQueue) implements, plus the
// Commit and Host abstractions those machines are driven through.
//
// A resource.Machine never touches Raft, a session registry, or a clock
// directly — it is handed a Commit for the entry being applied and a Host
// for publishing events and scheduling timers. This is what keeps
// pkg/resource/* unit-testable without standing up a Raft cluster: tests
// supply a fake Host and a counting Commit (each resource package's tests
// define their own fakeCommit) and assert
// the exact sequence of Close/Publish/ScheduleTimer calls spec.md demands.
package resource
