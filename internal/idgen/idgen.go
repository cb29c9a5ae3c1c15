// Package idgen generates the session identifiers the leader samples before
// submitting a CreateSession command, so that every replica applies the same
// id instead of each replica minting its own.
package idgen

import "github.com/google/uuid"

// IdGen mints opaque, cluster-unique identifiers.
type IdGen interface {
	New() string
}

// UUIDGen is the production IdGen, backed by google/uuid's v4 generator.
type UUIDGen struct{}

func (UUIDGen) New() string {
	return uuid.NewString()
}
