// Package session owns the single backend session and its lifecycle.
//
// # State machine
//
//	UNINITIALIZED → INITIALIZING → QR_PENDING → AUTHENTICATING → READY
//	                                                   READY → DISCONNECTED
//
// DISCONNECTED only leads back to INITIALIZING through Logout, which tears the
// session down and creates a new one. Unsolicited disconnects do not trigger a
// reconnect.
//
// Each backend session instance is consumed by exactly one event loop whose
// context is cancelled when the instance is retired, so events from an old
// instance can never mutate the state of its replacement.
//
// All mutable state lives on Manager behind a mutex; Create, Logout and Close
// are additionally serialized against each other.
package session
