// Package bus is the sharded signal substrate agents coordinate through:
// publish/subscribe for finding propagation plus bounded buffering when the
// substrate is unreachable. Nothing safety-critical depends on this bus
// succeeding; the kill switch has its own paths.
package bus

import (
	"fmt"
	"hash/fnv"
)

// Subjects used on the bus. Findings are sharded so that tens of thousands
// of subscribers do not concentrate on a single hot subject.
const (
	// SubjectFindingsAll carries the deduplicated, logically unified view
	// republished by the aggregation tier.
	SubjectFindingsAll = "findings.all"
	// SubjectControlKill carries the kill switch broadcast path.
	SubjectControlKill = "control.kill"
	// SubjectActions carries agent action records for history consumers.
	SubjectActions = "actions.record"
	// findingsPrefix is the sharded finding subject space.
	findingsPrefix = "findings"
)

// DefaultShardCount is the per-deployment shard fan-out unless configured
// otherwise.
const DefaultShardCount = 16

// ShardOf maps a target to its shard index.
func ShardOf(target string, shardCount int) int {
	h := fnv.New32a()
	h.Write([]byte(target))
	return int(h.Sum32() % uint32(shardCount))
}

// FindingSubject builds the sharded subject for a finding:
// findings.<hash(target) mod N>.<kind>.
func FindingSubject(target, kind string, shardCount int) string {
	return fmt.Sprintf("%s.%d.%s", findingsPrefix, ShardOf(target, shardCount), kind)
}

// FindingShardWildcard subscribes one shard across every finding kind.
func FindingShardWildcard(shard int) string {
	return fmt.Sprintf("%s.%d.>", findingsPrefix, shard)
}

// FindingWildcard subscribes every shard and kind.
func FindingWildcard() string {
	return findingsPrefix + ".>"
}

// StatusSubject carries one agent's liveness and state transitions.
func StatusSubject(agentID string) string {
	return fmt.Sprintf("agents.%s.status", agentID)
}

// AuthorizationSubject carries one human sign-off round trip.
func AuthorizationSubject(requestID string) string {
	return fmt.Sprintf("authorization.%s", requestID)
}

// Handler consumes one delivered message.
type Handler func(subject string, data []byte)

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the substrate interface. The NATS implementation is the production
// substrate; MemoryBus backs tests and isolated (signaling-disabled) runs.
type Bus interface {
	// Publish sends data on the subject. It fails when the substrate is
	// unreachable; callers that need degradation semantics wrap it with a
	// Publisher and its bounded buffer.
	Publish(subject string, data []byte) error
	// Subscribe delivers messages matching the subject pattern.
	Subscribe(pattern string, handler Handler) (Subscription, error)
	// QueueSubscribe delivers each message to one member of the queue group.
	QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error)
	// Load reports the substrate's pending-work fraction in [0, 1]; agents
	// self-throttle above the configured high-water mark.
	Load() float64
	// Connected reports whether the substrate is currently reachable.
	Connected() bool
}
