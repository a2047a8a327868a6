// Package idgenerator hands out opaque, never-reused identifiers for
// connections. Identifiers are 64-bit so a long-running relay cannot wrap
// around and alias a live connection with a recycled id.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a concurrency-safe
// manner. The first call to Id returns startValue+1.
type IdGenerator struct {
	start uint64
	id    atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{
		start: startValue,
	}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next unique ID. It is safe for concurrent use.
//
// Returns:
//   - The next uint64 ID
func (l *IdGenerator) Id() uint64 {
	return l.id.Add(1)
}

// Issued reports how many IDs have been handed out since construction.
//
// Returns:
//   - The number of calls to Id so far
func (l *IdGenerator) Issued() uint64 {
	return l.id.Load() - l.start
}
