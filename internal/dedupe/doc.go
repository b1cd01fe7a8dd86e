// Package dedupe provides a bounded TTL set of keys.
//
// The invocation router uses it to remember correlation ids whose
// invocations timed out. While an id is remembered a late response carrying
// it is recognized and discarded, and callers may not reuse it.
//
//	ids := dedupe.New(10*time.Minute, 10000)
//	defer ids.Close()
//	ids.Remember(correlationID)
//	if ids.Contains(correlationID) { ... }
package dedupe
