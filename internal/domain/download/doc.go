// Package download schedules pak transfers from the CDN.
//
// The Scheduler keeps a queue of records ordered by priority (highest first,
// insertion order among equals) and keeps at most MaxInFlight transfers
// running from the front of that queue. Each record gets at most one live
// task; later requests join the task's callback list.
//
// A task moves through Requesting, Validating and Retrying until it either
// caches the file or fails terminally. Failed attempts retry after
// min(60, (attempt+1)*5) seconds against the next CDN host. Running out of
// device space is terminal.
//
// Scheduler methods are not safe for concurrent use: they must be called on
// the goroutine that drains the post function supplied to New. Transport and
// verification results are marshalled back through that function.
package download
