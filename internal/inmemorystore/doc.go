// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the jobstore.Store interface.
//
// # Characteristics
//
//   - **Ephemeral:** Records live as long as the process; nothing is persisted
//   - **Thread-Safe:** Uses sync.Map for the id index and a mutex per record
//   - **Fast Lookups:** O(1) average case for every operation
//
// # When to Use
//
// This implementation backs the local platform API in serve mode. A hosted
// queue keeps its own job state and does not need it.
package inmemorystore
