// Package executor runs GraphQL operations against a schema.Schema through a
// Runtime supplied by the host.
//
// # Queries and mutations
//
// Execution is breadth-first. Fields marked schema.Field.Async are queued and
// resolved once per depth through Runtime.BatchResolveAsync; every other field
// is resolved on the spot through Runtime.ResolveSync and completed
// immediately, so synchronous descents never add a depth. Schemas built from
// SDL mark query root fields async and everything else sync.
//
// Values are completed the usual way: Non-Null violations null the nearest
// nullable ancestor and drop any queued work beneath it, list items carry
// index paths, leaves go through Runtime.SerializeLeafValue and abstract types
// through Runtime.ResolveType. Errors are collected with their response paths
// and execution continues where it can.
//
// # Subscriptions
//
// Executor.Subscribe resolves the single root field of a subscription
// operation to a source.Stream via SubscriptionRuntime. The returned
// ResponseStream executes the operation once per source value, with the value
// as the root object, so the root field's ResolveSync acts as the per-event
// transform from raw payload to field value. Ordering follows the source.
// Closing the ResponseStream closes the source.
//
// Fragments on abstract types match only when the type condition names the
// concrete object type.
package executor
