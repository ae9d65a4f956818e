// Package livedata provides the public types and the dispatch core for live table feeds.
//
// A capture source turns committed source transactions into ChangeRecord batches and hands them
// to a Dispatcher. The Dispatcher serializes all work on one goroutine: it answers fetch requests
// addressed to a single Receiver and routes change batches to the TableChannel matching each
// record's (schema, table). Subscribers of a TableChannel first receive a Load snapshot and then
// live Modify / Delete records.
//
// Key Components:
//   - ChangeRecord: the unit of change data moving through the pipeline
//   - Receiver: anything that can accept a ChangeRecord
//   - Backend: the fetch boundary to the source database
//   - Hub: copy-on-write fan-out used by table channels
//   - Dispatcher: the serialized router and its channel registry / primary-key cache
//   - KeyFilterView: a channel subscription filtered by a mutable set of key values
//   - JoinView: a key filter view that feeds its matched ids to a child view
//
// Receivers handed to views or channels may be called from the dispatcher goroutine and from
// goroutines calling view mutators, so they must be safe for concurrent use.
package livedata
