// Package gateway assembles relay-gateway from its parts.
//
// # Components
//
// New opens the SQLite transcript store and builds, in order:
//
//   - the activity Dispatcher, with a LogSink and, when matrix.monitor_room is
//     set, a Matrix MonitorSink
//   - the CLI engine factory from the engine section
//   - the session Registry
//   - the Authenticator and the web Server (REST, WebSocket, health)
//   - the Matrix bot, when matrix.enabled is set
//   - a cron schedule calling Registry.Cleanup on sessions.cleanup_schedule
//
// # Lifecycle
//
// Run listens on server.http_addr, or on port 80 of an embedded tailnet node
// when tailscale.enabled is set, and supervises the HTTP server, the Matrix
// sync loop and the activity dispatcher with an errgroup. The first failure or
// the cancellation of the run context triggers Shutdown, which stops the HTTP
// server, the schedule, the bot, every live session, the dispatcher (after a
// final flush), the tailnet node and the store.
package gateway
