// Package notify fans session-state events out to real-time subscribers.
//
// The Broadcaster keeps the currently pending pairing challenge so that a
// subscriber joining late receives it immediately instead of waiting for the
// next one. Delivery is best effort: each subscriber has a small buffer, and
// an event that does not fit is dropped for that subscriber only.
package notify
