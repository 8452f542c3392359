// Package storage provides the shared record store every cluster instance
// reads and writes: heartbeats, open votings, ballots and the established
// view all live here as opaque byte values under string keys.
//
// # Overview
//
// Instances never talk to each other directly. All coordination happens
// through this store, so the only guarantees the discovery protocol can
// rely on are the ones defined here:
//
//   - every single Get, Put, Delete and List is atomic on its own
//   - Update runs a read-modify-write as one all-or-nothing transaction
//   - View reads a consistent snapshot
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   voting.Store / heartbeat.Store    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│   Store (Txn + View + Update)       │
//	└─────────────────────────────────────┘
//	         │                 │
//	         ▼                 ▼
//	   ┌──────────┐      ┌──────────┐
//	   │ Memory   │      │  Bolt    │
//	   │ Store    │      │  Store   │
//	   └──────────┘      └──────────┘
//
// # Implementations
//
// MemoryStore keeps everything in a map guarded by sync.RWMutex. Update
// stages writes in the transaction and applies them only when the callback
// succeeds. Used by tests and by virtual instances that share one process.
//
// BoltStore keeps records in a single bbolt bucket. bbolt allows one writer
// at a time across processes, which makes Update serializable and lets
// several instance processes on one host share the database file.
//
// # Keys
//
// Keys are plain strings with '/' separated prefixes, for example
// "heartbeat/<instance>" or "ballot/<voting>/<instance>". List(prefix)
// returns matching keys sorted, which callers use to scan one record type.
//
// # Value Semantics
//
// Values are copied on the way in and on the way out. Callers may modify
// the slices they pass or receive without affecting stored data.
//
// # Error Handling
//
//   - ErrKeyNotFound: Get on a missing key
//   - ErrClosed: any operation after Close
//
// Errors returned from an Update callback abort the transaction and are
// returned unchanged, so callers can use errors.Is on their own sentinels.
package storage
