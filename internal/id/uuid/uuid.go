// Package uuid generates and validates task ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues time-ordered (version 7) UUID task ids.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID implements task.IDGenerator.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether id is a canonical hyphenated UUID.
func Valid(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
