// Package api serves the game over HTTP.
//
// Reads come from the loop's latest snapshot and never block on the loop.
// Deploy and delete requests are submitted as intents and answered with the
// loop's acknowledgment; their outcome shows up in later snapshots, which
// clients can follow on the /v1/stream websocket.
//
// Classified engine errors map to status codes:
//
//	validation            400 (404 unit not found, 403 policy denied, 409 insufficient credits)
//	unavailable/transient 503
//	timeout               504
package api
