// Package gateway hosts the wabridge servers and wires the components together.
//
// # Overview
//
// A Gateway owns one session.Manager, the notify.Broadcaster that carries its
// events, the dispatch.Dispatcher that sends through it, and the dispatch log
// store. It exposes them over three listeners:
//
//   - HTTP (server.http_addr): the entry page, /api/* and health endpoints
//   - WebSocket (server.ws_addr): push notifications for pairing and session state
//   - gRPC (server.grpc_addr, optional): grpc.health.v1 mirroring readiness
//
// Every request on every listener passes the access.Gate first. When
// auth.jwt_secret is set, /api/* additionally requires a bearer token.
//
// # HTTP API
//
//	GET  /                                   entry page (embedded or server.static_dir)
//	GET  /api/qr                             pairing QR as PNG, or JSON connected/waiting
//	GET  /api/status                         {"status":"connected","number":...} etc.
//	GET  /api/disconnect                     logout, wipe credentials, start a new pairing
//	POST /api/send                           batch send (recipients, message, file)
//	GET  /api/sendMessage/{recipient}/{msg}  single plain-text send
//	GET  /api/history?limit=N                recent batches from the dispatch log
//	GET  /health                             liveness
//	GET  /health/ready                       200 only while the session is READY
//
// A batch accepted by POST /api/send runs on a context detached from the
// request, so a client hanging up does not stop it. The response is always
// "success" once the batch ran; per-destination outcomes are in "results".
//
// # Lifecycle
//
// New builds everything but starts nothing. Run opens the listeners (on the
// host or on a tailnet via tsnet), creates the backend session, and serves
// until the context is cancelled; Shutdown closes the servers, destroys the
// session without logging out, and closes the store.
package gateway
