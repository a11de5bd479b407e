// Package fingerprint classifies how much a rendered page changed between
// renders and turns that into cache lifetimes and validators.
//
// A Fingerprint carries three hashes computed in one tokenizer pass:
//
//   - FullHash over the raw bytes.
//   - StructuralHash over the tag skeleton (tag names and attribute names).
//   - SignificantHash over visible text once ignorable elements are dropped
//     and volatile substrings (timestamps, epoch millis, UUIDs, nonces and
//     CSRF/session tokens) are replaced by placeholders.
//
// Assess compares a fresh fingerprint against the one stored with the
// previous cache entry and maps the result to a ChangeType. Pages that keep
// changing get short TTLs; pages that never change drift towards a week.
package fingerprint
