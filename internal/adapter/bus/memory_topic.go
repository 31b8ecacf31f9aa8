package bus

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
)

// MemoryTopic is an in-process partitioned log with the delivery contract of a
// Kafka topic consumed by a single group: messages with the same key keep
// their order, and a new reader resumes from the last committed offsets.
type MemoryTopic struct {
	name string

	mu         sync.Mutex
	partitions [][]kafka.Message
	committed  []int64
	wake       chan struct{}
}

func NewMemoryTopic(name string, partitions int) *MemoryTopic {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryTopic{
		name:       name,
		partitions: make([][]kafka.Message, partitions),
		committed:  make([]int64, partitions),
		wake:       make(chan struct{}),
	}
}

func (t *MemoryTopic) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, m := range msgs {
		p := int(xxhash.Sum64(m.Key) % uint64(len(t.partitions)))
		m.Topic = t.name
		m.Partition = p
		m.Offset = int64(len(t.partitions[p]))
		m.Time = now
		t.partitions[p] = append(t.partitions[p], m)
	}
	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

func (t *MemoryTopic) Close() error { return nil }

// Messages returns a snapshot of every message in the topic, partition by
// partition.
func (t *MemoryTopic) Messages() []kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []kafka.Message
	for _, p := range t.partitions {
		out = append(out, p...)
	}
	return out
}

// Reader opens a group reader positioned at the committed offsets.
func (t *MemoryTopic) Reader() *MemoryReader {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &MemoryReader{
		topic:    t,
		position: append([]int64(nil), t.committed...),
		closed:   make(chan struct{}),
	}
}

type MemoryReader struct {
	topic     *MemoryTopic
	position  []int64
	next      int
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *MemoryReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.topic.mu.Lock()
		wake := r.topic.wake
		n := len(r.position)
		for i := 0; i < n; i++ {
			p := (r.next + i) % n
			if r.position[p] < int64(len(r.topic.partitions[p])) {
				msg := r.topic.partitions[p][r.position[p]]
				r.position[p]++
				r.next = (p + 1) % n
				r.topic.mu.Unlock()
				return msg, nil
			}
		}
		r.topic.mu.Unlock()

		select {
		case <-wake:
		case <-r.closed:
			return kafka.Message{}, io.EOF
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		}
	}
}

func (r *MemoryReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()

	for _, m := range msgs {
		if next := m.Offset + 1; next > r.topic.committed[m.Partition] {
			r.topic.committed[m.Partition] = next
		}
	}
	return nil
}

func (r *MemoryReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}
