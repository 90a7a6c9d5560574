// Package ids generates the opaque 128-bit identifiers used for every
// entity in the data model (plans, tasks, edges, artifacts, reviews,
// events). Identifiers are rendered as canonical lowercase UUID strings.
package ids

import "github.com/google/uuid"

// New returns a new canonical-string identifier.
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s parses as a canonical UUID string.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Deterministic derives a stable UUID from a namespace and a name, used by
// the contract layer to rename non-UUID ids emitted by a model into
// canonical ids without losing the original-to-canonical mapping across a
// single normalization pass (the same raw id always maps to the same
// canonical id within that pass).
func Deterministic(namespace, name string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace))
	return uuid.NewSHA1(ns, []byte(name)).String()
}
