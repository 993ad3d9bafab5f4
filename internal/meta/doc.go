// Package meta defines the typed metadata values attached to stored
// documents and their canonical serialization.
//
// Metadata is a tagged-variant mapping: string keys to string, integer,
// boolean, array, or nested object values. Floats and nulls are rejected
// at the store boundary because the canonical byte form of metadata feeds
// the integrity tag, and both break determinism.
//
// MarshalCanonical produces RFC 8785 canonical JSON:
//   - object keys sorted by UTF-16 code units (not UTF-8 bytes)
//   - strings NFC normalized
//   - no HTML escaping (< > & are NOT escaped)
//   - integer-only numbers
//
// Canonical bytes are the ONLY serialization used for tag computation.
// Display/API serialization goes through the ordinary MarshalJSON methods.
package meta
