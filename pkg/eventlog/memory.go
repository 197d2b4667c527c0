package eventlog

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/zoff-tech/go-saga/pkg/broker"
)

// MemoryLog is an in-process partitioned log. It is a broker.MessageBroker,
// a Scanner and a factory of consumer-group Sources over the same records,
// partitioned by the same kafka.Hash balancer the Kafka writer uses.
type MemoryLog struct {
	mu                sync.Mutex
	balancer          kafka.Hash
	defaultPartitions int
	topics            map[string][][]Record
	groups            map[string]*memoryGroup
	notify            chan struct{}
}

type memoryGroup struct {
	positions []int64
	committed []int64
	next      int
}

func NewMemoryLog(defaultPartitions int) *MemoryLog {
	if defaultPartitions <= 0 {
		defaultPartitions = 1
	}
	return &MemoryLog{
		defaultPartitions: defaultPartitions,
		topics:            map[string][][]Record{},
		groups:            map[string]*memoryGroup{},
		notify:            make(chan struct{}),
	}
}

// CreateTopic creates topic with the given partition count if it does not exist.
func (l *MemoryLog) CreateTopic(topic string, partitions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[topic]; ok {
		return
	}
	if partitions <= 0 {
		partitions = l.defaultPartitions
	}
	l.topics[topic] = make([][]Record, partitions)
}

// EnsureTopics creates every missing topic of specs.
func (l *MemoryLog) EnsureTopics(specs ...TopicSpec) {
	for _, s := range specs {
		l.CreateTopic(s.Name, s.Partitions)
	}
}

func (l *MemoryLog) partitionsLocked(topic string) [][]Record {
	parts, ok := l.topics[topic]
	if !ok {
		parts = make([][]Record, l.defaultPartitions)
		l.topics[topic] = parts
	}
	return parts
}

// Append writes one record and returns it with its partition and offset.
func (l *MemoryLog) Append(topic, key string, value []byte, headers map[string]string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	parts := l.partitionsLocked(topic)
	p := l.partitionFor(key, len(parts))
	rec := Record{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(parts[p])),
		Key:       key,
		Value:     append([]byte(nil), value...),
		Headers:   maps.Clone(headers),
		Time:      time.Now().UTC(),
	}
	parts[p] = append(parts[p], rec)

	close(l.notify)
	l.notify = make(chan struct{})
	return rec
}

func (l *MemoryLog) Publish(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.Append(msg.Topic, msg.Key, msg.Value, msg.Headers)
	return nil
}

// Records returns every record of topic ordered by partition then offset.
func (l *MemoryLog) Records(topic string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, part := range l.topics[topic] {
		out = append(out, part...)
	}
	return out
}

func (l *MemoryLog) Partitions(ctx context.Context, topic string) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := l.partitionsLocked(topic)
	ids := make([]int, len(parts))
	for i := range parts {
		ids[i] = i
	}
	return ids, nil
}

func (l *MemoryLog) Scan(ctx context.Context, topic string, partition int, from int64, fn func(Record) bool) error {
	if from < 0 {
		from = 0
	}
	for off := from; ; off++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		parts := l.topics[topic]
		if partition < 0 || partition >= len(parts) {
			l.mu.Unlock()
			return fmt.Errorf("topic %s has no partition %d", topic, partition)
		}
		if off >= int64(len(parts[partition])) {
			l.mu.Unlock()
			return nil
		}
		rec := parts[partition][off]
		l.mu.Unlock()

		if !fn(rec) {
			return nil
		}
	}
}

// Close is a no-op; the log lives as long as the process.
func (l *MemoryLog) Close() error {
	return nil
}

// Subscribe returns a Source for group on topic. Delivery resumes after the
// group's last committed offsets, so uncommitted records are redelivered to
// the next subscriber.
func (l *MemoryLog) Subscribe(topic, group string) Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := topic + "\x00" + group
	g, ok := l.groups[key]
	if !ok {
		g = &memoryGroup{}
		l.groups[key] = g
	}
	g.positions = append([]int64(nil), g.committed...)
	return &memorySource{log: l, topic: topic, group: g}
}

type memorySource struct {
	log   *MemoryLog
	topic string
	group *memoryGroup
}

func (s *memorySource) Fetch(ctx context.Context) (Record, error) {
	for {
		s.log.mu.Lock()
		parts := s.log.partitionsLocked(s.topic)
		g := s.group
		for len(g.positions) < len(parts) {
			g.positions = append(g.positions, 0)
			g.committed = append(g.committed, 0)
		}
		n := len(parts)
		for i := 0; i < n; i++ {
			p := (g.next + i) % n
			if g.positions[p] < int64(len(parts[p])) {
				rec := parts[p][g.positions[p]]
				g.positions[p]++
				g.next = (p + 1) % n
				s.log.mu.Unlock()
				return rec, nil
			}
		}
		wait := s.log.notify
		s.log.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}

func (s *memorySource) Commit(ctx context.Context, rec Record) error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	g := s.group
	for len(g.committed) <= rec.Partition {
		g.committed = append(g.committed, 0)
	}
	if rec.Offset+1 > g.committed[rec.Partition] {
		g.committed[rec.Partition] = rec.Offset + 1
	}
	return nil
}

func (s *memorySource) Close() error {
	return nil
}

// Committed returns the committed offsets of group on topic by partition.
func (l *MemoryLog) Committed(topic, group string) map[int]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[int]int64{}
	if g, ok := l.groups[topic+"\x00"+group]; ok {
		for p, off := range g.committed {
			out[p] = off
		}
	}
	return out
}

// Topics lists topic names in sorted order.
func (l *MemoryLog) Topics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.topics))
	for name := range l.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *MemoryLog) partitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	ids := make([]int, partitions)
	for i := range ids {
		ids[i] = i
	}
	return l.balancer.Balance(kafka.Message{Key: []byte(key)}, ids...)
}
