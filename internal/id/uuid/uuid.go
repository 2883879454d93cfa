// Package uuid generates request identifiers.
package uuid

import (
	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// NewGenerator creates a Generator.
func NewGenerator() Generator {
	return Generator{}
}

// NewID returns a UUID v7 string, falling back to v4 if the v7 source fails.
func (Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
