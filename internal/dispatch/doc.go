// ABOUTME: Package dispatch resolves destinations and sends outbound messages
// ABOUTME: Batches run sequentially with per-send timeouts and inter-send pauses

// Package dispatch implements the outbound message pipeline.
//
// A batch is an ordered list of raw destination strings plus a body and an
// optional file attachment. Each destination is classified (phone number or
// group name), resolved to a backend address, and sent one at a time:
//
//	resolve -> classify payload -> bounded send -> pause -> next destination
//
// Per-destination failures are recorded as a Result and never abort the
// batch. Only the pre-flight readiness check fails a batch as a whole.
//
// Body markers select the payload kind:
//
//	[img = https://host/pic.png] caption   sends the fetched image
//	[pdf = https://host/doc.pdf] caption   sends the fetched document
//
// Without a marker an attached file is sent as media with the full body as
// caption, and otherwise the body goes out as plain text.
package dispatch
