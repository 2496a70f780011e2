// Package discovery resolves a list of seed addresses into a connected
// gateway.Gateway, and republishes the resulting connection's state to
// any number of interested subscribers.
//
// Grounded on cuemby-warren/pkg/manager.Manager.Join's "dial the leader,
// open a transport" shape, generalized from a single known leader
// address to a list of seeds tried in order (meridian clients don't
// necessarily know which seed is the current leader before connecting),
// and on cuemby-warren/pkg/events.Broker's subscribe/broadcast shape for
// fanning connection-state transitions out to multiple observers (here as
// a plain callback list rather than a broker).
package discovery
