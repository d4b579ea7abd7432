// Package tagservice orchestrates the sync engine.
//
// The service owns the two logical databases (entity documents and the
// known-tag directory), the fetch scheduler, the merge engine and the load
// pipeline, and exposes the read model the API serves: the current entity
// set, filtered views of it, and a snapshot stream for subscribers.
//
// A refresh is all-or-nothing. The scheduler either delivers the complete
// region matrix or fails; only a complete batch is merged and only a
// successful merge is followed by a reload and a published snapshot. A
// failed refresh therefore leaves both the store and the projection
// exactly as they were.
package tagservice
