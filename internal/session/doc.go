// Package session is the orchestration core between front-ends and the engine.
//
// # Components
//
//   - Registry: process-wide table of live sessions (name -> ManagedSession) and of
//     client subscriptions (clientID -> Subscription). Construct one per process and
//     pass it to front-ends.
//   - ManagedSession: owns one engine.Connection and a subscriber set. It persists
//     each user message, broadcasts it, hands it to the engine, and runs a listening
//     goroutine that persists and broadcasts what the engine streams back.
//
// # States
//
// A ManagedSession is Idle or Listening. SendMessage starts the listening goroutine
// when none is draining the current connection; the goroutine returns to Idle when
// the stream ends. A connection whose Send fails is closed and replaced once per
// turn; the replacement resumes the engine conversation using the id the engine
// reported earlier.
//
// # Ordering
//
// Within a session, every append to the transcript is immediately followed by its
// broadcast, and append+broadcast pairs never interleave. A subscriber that re-reads
// history after an event therefore always finds the message it just saw.
//
// # Failure Isolation
//
// A subscriber whose callback errors or panics is removed and the broadcast continues.
// Engine failures surface to subscribers as error events; only persistence failures
// are returned to callers.
package session
