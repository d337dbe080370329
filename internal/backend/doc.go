// Package backend defines the contract between wabridge and the remote
// messaging network.
//
// A Backend allocates Sessions bound to an on-disk credential directory.
// Each Session owns its own event channel, so a recreated session never shares
// handlers with the one it replaced. The session manager consumes these events
// and drives its state machine from them; the dispatcher uses the send and
// chat-list operations.
//
// The production implementation lives in backend/whatsapp. MockBackend is an
// in-memory, scriptable implementation used by tests across the module.
package backend
