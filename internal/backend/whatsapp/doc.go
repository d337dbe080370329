// Package whatsapp implements backend.Backend on top of whatsmeow.
//
// Each session keeps its device keys in a SQLite database (device.db) inside
// the credential directory, so deleting that directory forgets the pairing.
// whatsmeow's own auto-reconnect is switched off: an unsolicited disconnect
// is reported once and the session stays down until the operator logs out
// and pairs again.
package whatsapp
