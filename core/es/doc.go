// Package es is an event sourcing core on top of an append-only EventLog.
//
// # Streams
//
// Events live in streams named "<type>-<id>" (see [StreamName]). Every event
// gets a dense per-stream [Revision] starting at 0 and a global position
// starting at 1. Appends carry an [ExpectedRevision]; [NoStream],
// [ExactRevision] and [AnyRevision] cover creation, optimistic concurrency
// and blind writes.
//
// [Codec] turns domain events into [EventData] and back, rejecting unknown
// types and payloads failing their Validate method. [StreamReader] and
// [StreamWriter] combine a codec with an [EventLog].
//
// # Commands
//
// Domain logic is a [Decider]: pure Decide and Evolve functions over a state.
// [CommandHandler] loads a stream, decides, and appends with the revision it
// observed, so concurrent commands on one stream conflict instead of
// overwriting each other:
//
//	h := es.NewCommandHandler(es.NoSnapshots(log, codec), counter.Decider())
//	res, err := h.Handle(ctx, "counter-1", counter.Open{ID: "1"}, es.WithExpectedRevision(es.NoStream()))
//
// # Snapshots
//
// A [SnapshotStrategy] shortens loads of long streams. [SameStreamSnapshots]
// appends snapshot events into the stream itself, [ExternalStreamSnapshots]
// keeps them in "<stream>-snapshot". Both tag snapshots with the
// "snapshottedStreamVersion" metadata key. A failed snapshot never fails the
// command that triggered it.
//
// # Subscriptions
//
// A [Subscription] follows the global log from its checkpoint, dispatching
// each event to its handlers in order and storing the position afterwards.
// Faults trigger a reconnect with backoff from the last checkpoint, so
// delivery is at least once. [DocumentProjection] is a handler keeping read
// models in a docstore collection and tolerates redelivery.
package es
