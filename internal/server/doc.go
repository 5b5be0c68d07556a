// Package server implements the real-time room chat server: the Hub that
// owns connection bindings and fans events out to rooms, the per-connection
// Client session state machine, the room service coordinating the Room
// Store and presence under per-room locks, and the Disconnect Reconciler
// that defers departures for a grace window.
//
// The HTTP surface (WebSocket upgrade, health checks and the room API) is
// wired in routes.go and handlers.go.
package server
