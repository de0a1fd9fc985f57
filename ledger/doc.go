// Package ledger implements the durable, append-only record of committed
// consensus rounds.
//
// # Core Components
//
// Chain: An in-memory hash-chained log of committed entries with a genesis
// block. Any modification of a recorded entry breaks the chain, which
// Verify detects.
//
// Store: A LevelDB-backed store that persists every entry with a synced
// write before the commit becomes visible, so a crashed node replays to
// exactly the state it acknowledged.
//
// Both satisfy the state engine's Ledger interface; Chain backs tests and
// in-process games, Store backs real nodes.
package ledger
