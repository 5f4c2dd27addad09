// Package session coordinates conversations with agent processes.
//
// A Session binds one (platform, conversation) key to a workspace, a lazily
// spawned agent connection and a permission negotiator. The Manager owns the
// registry of sessions, routes inbound messages and sweeps idle ones.
//
// Invariants:
//   - At most one turn is in flight per session; extra input is rejected as busy.
//   - Two concurrent first messages for a key create exactly one session and one
//     agent process.
//   - A lost agent connection returns the session to idle; the next message
//     spawns a new process.
//   - Sessions waiting on a permission decision are never swept.
//
// Usage:
//
//	mgr := session.NewManager(session.Options{Settings: cfg.SessionSettings, Sink: registry})
//	_ = mgr.Start()
//	defer mgr.Stop()
//	_ = mgr.Route(ctx, channels.InboundMessage{Platform: "telegram", ConversationID: "42", Text: "hello"})
package session
