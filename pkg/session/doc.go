// Package session implements the session/event fan-out protocol (C4):
// per-session lifecycle tracking and ordered, at-least-once delivery of
// server-initiated events to subscribed client sessions.
//
// Generalizes cuemby-warren/pkg/events.Broker, which fans one event out to
// every subscriber channel with no ordering or redelivery guarantee, down
// to one ordered, acknowledged queue per session — what spec.md §4.4
// actually requires (fan-out here means "many sessions", not "many
// subscribers of one session").
package session
