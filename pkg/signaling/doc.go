// Package signaling is the relay's control-plane client for the PBX. It talks
// to the Asterisk REST Interface (ARI): commands go over REST with basic
// auth, notifications arrive on the application's event WebSocket and are
// normalized into Event values before being handed to subscribers.
//
// A Client tracks connection state. While disconnected every command fails
// fast with ErrNotConnected; Run reconnects after a fixed delay up to a
// bounded number of attempts. Events emitted by the PBX while the event
// stream is down are not replayed.
package signaling
