// Package metrics exposes Prometheus collectors for the bridge.
//
// A Metrics value plugs into the dispatcher and the broadcaster as their
// observer and into the session manager as a state watcher, so none of those
// packages import Prometheus directly. Collectors are registered on a private
// registry served by Handler.
package metrics
