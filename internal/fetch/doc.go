// Package fetch pulls raw resources out of the region APIs.
//
// A Fetcher walks one paginated collection for one (region, resource type)
// pair, following next_url continuations until the chain is exhausted and
// appending every page to a shared accumulator in page order. The
// Scheduler fans the full region × resource-type matrix out over a bounded
// number of concurrent fetch chains and fails the whole batch on the first
// chain failure.
//
// Failure is all-or-nothing: a failed batch yields no entities at all, so
// the caller never merges a partially fetched matrix. Tasks already in
// flight when a failure is recorded are not interrupted; their results are
// simply discarded with the rest of the aggregate.
package fetch
