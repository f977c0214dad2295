// Package uuid generates job, worker, and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements scrape.IDGenerator with time-ordered UUIDv7 values so
// job ids sort by submission time.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID names one slot of a region pool, e.g. "eu-3-<random>".
func (Generator) WorkerID(region string, slot int) string {
	return fmt.Sprintf("%s-%d-%s", region, slot, uuid.NewString()[:8])
}

// Valid reports whether s parses as a UUID. Callers use it to reject
// malformed path parameters before touching storage.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
