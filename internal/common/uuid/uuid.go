// Package uuid mints the time ordered ids used for upload sessions.
package uuid

import (
	"github.com/google/uuid"
)

type UUID = uuid.UUID

// New returns a version 7 UUID, so ids sort by creation time.
func New() UUID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id
}

var Nil = uuid.Nil
