// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The store is split into two interfaces:
//
//   - AgentStore: the agent registry (id, name, capability tags, secret)
//   - LedgerStore: the append-only conversation ledger of turns
//
// Store combines both. SQLiteStore implements Store in a single struct;
// MockStore is an in-memory implementation with identical ordering semantics.
//
// # Data Models
//
//   - Agent: read view of a registered agent, without its secret
//   - AgentRegistration: write-side registration including the secret
//   - Turn: one parent or child message within an upstream conversation
//   - Sender: the two-valued parent/child discriminator
//
// # Ledger Ordering
//
// Turn timestamps are assigned by the store when the turn is appended and
// are strictly increasing within a store instance. Each turn also gets a
// monotonically increasing Seq. LatestTurn orders by (Timestamp, Seq), so
// when two turns share a timestamp the later insertion wins.
//
// # Secrets
//
// Agent secrets are only returned by GetAgentSecret. When a SecretSealer is
// set, secrets are encrypted with NaCl secretbox before they are written:
//
//	sealer, err := store.NewSecretSealer(cfg.Database.SecretKey)
//	s.SetSecretSealer(sealer)
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Use ":memory:" for a throwaway database; the pool is pinned to a single
// connection in that case.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateAgent: agent id already registered
//   - ErrInvalidSender: sender other than parent or child
//   - ErrSecretSealed / ErrSecretCorrupt: secret cannot be opened
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore on a t.TempDir() path
// for integration tests.
package store
