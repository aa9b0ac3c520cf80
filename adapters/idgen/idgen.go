// Package idgen provides IDGenerator implementations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sandgate/sandgate/ports"
)

// UUID generates random UUIDv4 identifiers.
type UUID struct{}

// New returns a new random UUID string.
func (UUID) New() string {
	return uuid.New().String()
}

// Sequential generates predictable identifiers for testing.
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a Sequential generator with the given prefix.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next identifier in sequence.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
