// Package handoff defines the core types, interfaces, and helpers shared by the
// cross-region ride handoff system: the ride and transaction data model, the
// error taxonomy, and the store/log/buffer/participant contracts. Concrete
// backends live in subpackages such as cassandra, redis, and inmemory, while
// the participant and coordinator packages implement the two sides of the
// commit protocol.
package handoff
