// Package cluster holds the small set of types shared by the instance
// daemon and the discoveryctl tool: instance identity, the JSON payloads
// of the status API and the HTTP helpers used to exchange them.
//
// # Identity
//
// Every instance has two identifiers:
//
//   - the instance id, stable for the lifetime of the instance and used as
//     its member name in votings and views
//   - the runtime id, fresh for every process start
//
// When two processes are started with the same instance id they write
// heartbeats with different runtime ids, which is how the heartbeat layer
// detects the misconfiguration.
//
// # HTTP Helpers
//
// PostJSON and GetJSON wrap a shared http.Client with a 5 second timeout.
// Non-2xx responses become *HTTPError carrying the status code and the
// server's error message. WriteJSON and WriteError are the server side
// counterparts.
//
// Instances never call each other through these helpers; all protocol
// traffic goes through the shared store. HTTP is only for operators.
package cluster
