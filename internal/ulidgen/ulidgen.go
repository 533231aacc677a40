// Package ulidgen generates ULIDs for session ids and follow-up task id
// suffixes.
package ulidgen

import "github.com/oklog/ulid/v2"

// New returns a new lexicographically sortable, time-ordered identifier.
func New() string {
	return ulid.Make().String()
}
