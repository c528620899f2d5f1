// Package relay is the server side of chatsync.
//
// It accepts structured and legacy WebSocket clients on one Service, persists messages
// in a MessageStore (in-memory or Postgres), tracks which users are connected in a Hub
// and fans events out to every session of a user. It also issues and verifies the
// HS256 session tokens and serves the HTTP bootstrap API (conversation list, history,
// notification counters).
package relay
