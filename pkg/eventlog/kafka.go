package eventlog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
)

// firstPollFactor stretches the first poll of a scan, which also pays for
// connecting to the partition leader.
const firstPollFactor = 5

type kafkaScanner struct {
	brokers     []string
	dialer      *kafka.Dialer
	pollTimeout time.Duration
}

// NewKafkaScanner returns a Scanner that opens a short-lived partition reader
// per scan. A scan ends when one poll waits pollTimeout without a record.
func NewKafkaScanner(brokers []string, pollTimeout time.Duration) (Scanner, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers must not be empty")
	}
	return &kafkaScanner{
		brokers:     brokers,
		dialer:      &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true},
		pollTimeout: pollTimeout,
	}, nil
}

func (s *kafkaScanner) Partitions(ctx context.Context, topic string) ([]int, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *kafkaScanner) Scan(ctx context.Context, topic string, partition int, from int64, fn func(Record) bool) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.brokers,
		Topic:     topic,
		Partition: partition,
		Dialer:    s.dialer,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   s.pollTimeout,
	})
	defer r.Close()

	offset := from
	if offset <= 0 {
		offset = kafka.FirstOffset
	}
	if err := r.SetOffset(offset); err != nil {
		return err
	}

	wait := s.pollTimeout * firstPollFactor
	for {
		pollCtx, cancel := context.WithTimeout(ctx, wait)
		m, err := r.FetchMessage(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil // drained
			}
			return err
		}
		if !fn(toRecord(m)) {
			return nil
		}
		wait = s.pollTimeout
	}
}

func (s *kafkaScanner) Close() error {
	return nil
}

type kafkaSource struct {
	reader *kafka.Reader
}

// NewKafkaSource joins group on topic, starting from the earliest offset when
// the group has no commits yet. Offsets are committed synchronously.
func NewKafkaSource(brokers []string, topic, group string) Source {
	return &kafkaSource{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})}
}

func (s *kafkaSource) Fetch(ctx context.Context) (Record, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Record{}, err
	}
	return toRecord(m), nil
}

func (s *kafkaSource) Commit(ctx context.Context, rec Record) error {
	return s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
}

func (s *kafkaSource) Close() error {
	return s.reader.Close()
}

func toRecord(m kafka.Message) Record {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		Time:      m.Time,
	}
}
