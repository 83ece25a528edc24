package message

import "github.com/google/uuid"

// IDGenerator produces unique identifiers for outgoing messages. Injecting
// the generator lets tests produce deterministic IDs.
type IDGenerator interface {
	// NextID returns an identifier unique within the process.
	NextID() string
}

// UUIDGenerator generates message IDs backed by random UUIDs.
type UUIDGenerator struct{}

// NextID returns a new "msg-" prefixed UUID string.
func (UUIDGenerator) NextID() string {
	return "msg-" + uuid.NewString()
}

// defaultGenerator is the package-level generator used when none is injected.
var defaultGenerator IDGenerator = UUIDGenerator{}

// DefaultGenerator returns the package-level ID generator.
func DefaultGenerator() IDGenerator {
	return defaultGenerator
}
