package bus

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	pending []kafka.Message
	done    map[int64]bool
}

// offsetTracker finds, per partition, the highest offset below which every
// fetched message has completed. Only that offset is safe to commit while
// later messages from the same partition are still in flight on other shards.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionOffsets)}
}

func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	p, ok := t.partitions[key]
	// An offset at or below the last tracked one means the partition was
	// rewound after a rebalance. The old window is discarded.
	if !ok || (len(p.pending) > 0 && msg.Offset <= p.pending[len(p.pending)-1].Offset) {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[key] = p
	}
	p.pending = append(p.pending, msg)
}

// complete marks msg finished and returns the message whose offset should be
// committed, if the contiguous prefix advanced.
func (t *offsetTracker) complete(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partitionKey{topic: msg.Topic, partition: msg.Partition}]
	if !ok {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = true

	var (
		last     kafka.Message
		advanced bool
	)
	for len(p.pending) > 0 && p.done[p.pending[0].Offset] {
		last = p.pending[0]
		delete(p.done, last.Offset)
		p.pending = p.pending[1:]
		advanced = true
	}
	return last, advanced
}

func (t *offsetTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
