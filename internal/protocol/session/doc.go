// Package session owns the control channel multiplexer.
//
// Ownership boundary:
// - Listener: listening socket, accept loop, descriptor-exhaustion backoff
// - Session: per-connection outbound queue, readiness-driven send/receive
// - Client: connection-only endpoint for request/response tools
//
// Every frame is one SOCK_SEQPACKET record, so one read or write moves
// exactly one frame. All Listener and Session methods run on the event loop
// goroutine; a Client is used from a single goroutine.
package session
