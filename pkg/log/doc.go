// Package log provides structured logging via zerolog: a global Logger
// initialized once at process start, plus context-logger helpers
// (WithComponent, WithResourceID, WithSessionID) used throughout the
// manager and gateway to attach routing context to every line.
package log
