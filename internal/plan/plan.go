// internal/plan/plan.go
package plan

import (
	"fmt"
	"strings"
)

// StarRange bounds a shard by stargazer count. Max < 0 means unbounded above.
type StarRange struct {
	Min int
	Max int
}

// Qualifier renders the range as a GitHub search qualifier.
func (r StarRange) Qualifier() string {
	if r.Max < 0 {
		return fmt.Sprintf("stars:>=%d", r.Min)
	}
	return fmt.Sprintf("stars:%d..%d", r.Min, r.Max)
}

// Unit identifies one addressable slice of the search space: a topic,
// optionally narrowed to a star-count shard.
type Unit struct {
	Topic      string
	TopicIndex int
	ShardIndex int
	Shard      *StarRange
}

// Query builds the search filter for this unit.
func (u Unit) Query() string {
	parts := []string{"topic:" + u.Topic}
	if u.Shard != nil {
		parts = append(parts, u.Shard.Qualifier())
	}
	parts = append(parts, "is:public", "is:not-fork", "archived:false")
	return strings.Join(parts, " ")
}

// Plan is the ordered, static definition of work partitions. Topics are
// visited in declaration order; the topic at shardedIndex is visited once per
// star-count shard instead of once, shards traversed high-to-low.
type Plan struct {
	topics       []string
	shardedIndex int
	shards       []StarRange
}

// Default returns the compiled-in harvest plan. The plan must be identical
// across runs: checkpoint indices are only meaningful against this ordering.
func Default() Plan {
	return Plan{
		topics: []string{
			"ai",
			"developer-tools",
			"machine-learning",
			"llm",
			"automation",
			"productivity",
		},
		shardedIndex: 0,
		shards: []StarRange{
			{Min: 1000, Max: -1},
			{Min: 100, Max: 999},
			{Min: 10, Max: 99},
			{Min: 0, Max: 9},
		},
	}
}

// Unit resolves the current (topicIndex, shardIndex) pair. ok is false once
// topicIndex has walked past the last topic, which signals cycle completion.
func (p Plan) Unit(topicIndex, shardIndex int) (Unit, bool) {
	if topicIndex < 0 || topicIndex >= len(p.topics) {
		return Unit{}, false
	}
	u := Unit{
		Topic:      p.topics[topicIndex],
		TopicIndex: topicIndex,
		ShardIndex: shardIndex,
	}
	if topicIndex == p.shardedIndex {
		if shardIndex < 0 || shardIndex >= len(p.shards) {
			shardIndex = 0
			u.ShardIndex = 0
		}
		shard := p.shards[shardIndex]
		u.Shard = &shard
	}
	return u, true
}

// Advance returns the next (topicIndex, shardIndex) pair after unit. Within
// the sharded topic the shard index advances first; the topic index only
// rolls over (with the shard index reset to zero) once all shards are done.
func (p Plan) Advance(u Unit) (topicIndex, shardIndex int) {
	if u.TopicIndex == p.shardedIndex && u.ShardIndex < len(p.shards)-1 {
		return u.TopicIndex, u.ShardIndex + 1
	}
	return u.TopicIndex + 1, 0
}

// Units returns the total number of units in one full cycle.
func (p Plan) Units() int {
	return len(p.topics) - 1 + len(p.shards)
}
