// Package engine defines the discovery, subscription and publication engine.
//
// The package contains the public abstractions only:
//   - Engine: orchestrates searches, follows and publish batches against a directory
//   - Consumer: receives the records and failures of a follow
//   - FollowRequest, FindRequest: inputs for following one twin or every twin a search finds
//   - FollowInfo, PublishReport, HealthStatus: results and status reporting
//
// A follow registers a follower twin, then opens one subscription per followed
// feed. Records from all of a follow's feeds reach its Consumer on a single
// goroutine, in the order each feed delivers them. A subscription whose token
// expires is re-opened without the Consumer noticing; any other terminal error is
// reported once through Consumer.Failure and ends that feed only.
//
// The interfaces use Go idioms:
//   - context.Context for cancellation and timeouts
//   - Explicit error returns following Go conventions
//   - io.Closer for resource cleanup
package engine
