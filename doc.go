// Package parcomm moves typed data between the members of a fixed process
// group, the way bulk-synchronous simulation codes do between two compute
// phases.
//
// Every participant owns a `transport.Transport`, which gives it a *rank*, the
// *size* of the group and primitive point-to-point messages. A `Comm` wraps it
// and offers *exchange rounds*: collective operations every participant MUST
// enter in the same order.
//
// ## How it works
//
// A round always follows the same three motions:
//
//  1. post the receives of every message we expect,
//  2. wait on a barrier so that nobody sends before its peers are ready,
//  3. send, then wait for our receives to complete.
//
// When receivers cannot know in advance how much data they get, a first round
// exchanges the element counts (see `ReceiveCounts`) before the data round.
//
// Payloads are slices of *fixed-layout* values: numbers, booleans, arrays and
// structs made of those. They are sent as their in-memory bytes, which is why
// pointers, slices, strings and maps are refused with `ErrReferencePack`.
// Anything richer goes through a `Buffer` first.
//
// ## Buffers
//
// A `Buffer` is written twice by the same code: once in `Sizing` mode to
// measure, then in `Transfer` mode to fill storage allocated in one go. The
// `Serializable` adapters (`Value`, `String`, `Seq`, `Map`...) compose to
// describe the layout of a value once for both passes.
//
// ## Transports
//
// * `pkg/loopback` runs the whole group in one process, one goroutine per rank.
// * `pkg/quicnet` connects processes on different hosts with QUIC streams.
// * `pkg/rendezvous` lets processes discover each other and agree on ranks
// before building a `pkg/quicnet` group.
//
// ## Failures
//
// There is no recovery: a participant which fails a round leaves the others
// waiting on it. Blocking operations take a `context.Context` so that callers
// can at least bound that wait and tear the group down.
package parcomm
