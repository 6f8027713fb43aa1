package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck reports ready once any listed broker accepts a connection and
// every topic in topics exists. The outbox writer does not create topics, so
// a missing one would otherwise only surface as publish errors.
func ReadyCheck(brokers string, topics ...string) func(context.Context) error {
	list := SplitBrokers(brokers)
	return func(ctx context.Context) error {
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		var errs []error
		for _, addr := range list {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			err = missingTopics(conn, topics)
			_ = conn.Close()
			return err
		}
		return errors.Join(errs...)
	}
}

func missingTopics(conn *kafka.Conn, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	parts, err := conn.ReadPartitions(topics...)
	if err != nil {
		return err
	}
	return checkTopics(parts, topics)
}

func checkTopics(parts []kafka.Partition, topics []string) error {
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		seen[p.Topic] = true
	}
	var missing []string
	for _, t := range topics {
		if !seen[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("kafka topics missing: %v", missing)
	}
	return nil
}
