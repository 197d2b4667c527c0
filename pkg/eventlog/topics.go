package eventlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/zoff-tech/go-saga/pkg/event"
)

// TopicSpec describes a topic to provision.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

// DefaultTopics returns the saga topics, their dead-letter topics and the
// event store topic. The event store keeps every record forever.
func DefaultTopics(deadLetterSuffix string, replication int) []TopicSpec {
	if replication <= 0 {
		replication = 1
	}
	var specs []TopicSpec
	for _, name := range []string{event.TopicOrders, event.TopicPayments, event.TopicInventory} {
		specs = append(specs,
			TopicSpec{Name: name, Partitions: 3, ReplicationFactor: replication},
			TopicSpec{Name: name + deadLetterSuffix, Partitions: 3, ReplicationFactor: replication},
		)
	}
	specs = append(specs, TopicSpec{
		Name:              event.TopicOrderEvents,
		Partitions:        6,
		ReplicationFactor: replication,
		Config: map[string]string{
			"cleanup.policy": "delete",
			"retention.ms":   "-1",
		},
	})
	return specs
}

// EnsureTopics creates the topics of specs that do not exist yet through the
// cluster controller.
func EnsureTopics(ctx context.Context, brokers []string, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("kafka brokers must not be empty")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, s := range specs {
		if have[s.Name] {
			continue
		}
		tc := kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     s.Partitions,
			ReplicationFactor: s.ReplicationFactor,
		}
		for k, v := range s.Config {
			tc.ConfigEntries = append(tc.ConfigEntries, kafka.ConfigEntry{ConfigName: k, ConfigValue: v})
		}
		missing = append(missing, tc)
	}
	if len(missing) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cconn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cconn.Close()

	if err := cconn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}
