// Package governance coordinates runtime safety controls around connector
// calls: retries with exponential backoff, per-call timeouts, per-connection
// circuit breaking and call pacing.
//
// The execution coordinator wraps every Query, Mask and Test call with these
// primitives so a misbehaving data store degrades one connection instead of
// the whole request.
package governance
