// Package session keeps the registry of live connections and the client
// metadata captured when each one connected. Sessions are ephemeral: one
// exists exactly while its connection is open.
package session
