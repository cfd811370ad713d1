// Package chatsync keeps a per-conversation message timeline consistent while
// three asynchronous sources mutate it: optimistic local inserts, store
// snapshots, and push-delivered store events.
//
// Ownership model:
//   - The Timeline (reconciler) is the only mutator of the in-memory
//     projection; any component may read it.
//   - The TriggerEngine is the only mutator of the per-conversation processed
//     set and generation state, and guarantees at most one in-flight
//     completion per conversation.
//   - The SessionManager binds the engine to exactly one open conversation,
//     owns the push subscription, and runs the inactivity expiry timer.
//
// The durable store and the completion service are consumed through the Store
// and CompletionClient interfaces; implementations live in pkg/store and
// pkg/completion.
package chatsync
