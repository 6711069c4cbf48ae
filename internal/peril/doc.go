// Package peril wires the game state to the broker: it parses console
// commands, maps game outcomes to settlements, builds the subscription
// handlers and drives the client and server loops.
package peril
