package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

const sourceKafka = "kafka"

// KafkaConfig configures the Kafka consumer-group source.
type KafkaConfig struct {
	Brokers  []string
	Group    string
	Topic    string
	ClientID string
	Version  string // e.g. "2.8.0"
}

// KafkaSource consumes JSON alerts from a Kafka topic as part of a consumer group.
type KafkaSource struct {
	config KafkaConfig
	client sarama.Client
	group  sarama.ConsumerGroup
	pub    Publisher
}

// NewKafkaSource connects to the brokers and joins the consumer group.
func NewKafkaSource(cfg KafkaConfig, pub Publisher) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}
	if cfg.Group == "" {
		return nil, errors.New("kafka consumer group cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "kycstream"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("parse kafka version: %w", err)
	}

	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = cfg.ClientID
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 10 * time.Second
	sc.Net.WriteTimeout = 10 * time.Second

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.Group, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &KafkaSource{config: cfg, client: client, group: group, pub: pub}, nil
}

// Run consumes until ctx is done. Consume returns on every rebalance, so it
// is called in a loop.
func (s *KafkaSource) Run(ctx context.Context) error {
	handler := &consumerGroupHandler{pub: s.pub}

	go func() {
		for err := range s.group.Errors() {
			log.Printf("[ingest] kafka consumer error: %v", err)
		}
	}()

	log.Printf("[ingest] consuming kafka topic %s as group %s", s.config.Topic, s.config.Group)
	for {
		if err := s.group.Consume(ctx, []string{s.config.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Printf("[ingest] kafka consume %s: %v", s.config.Topic, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Ping refreshes topic metadata as a connectivity check.
func (s *KafkaSource) Ping(ctx context.Context) error {
	return s.client.RefreshMetadata(s.config.Topic)
}

// Close leaves the group and closes the client.
func (s *KafkaSource) Close() error {
	var errs []error
	if err := s.group.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer group: %w", err))
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	return errors.Join(errs...)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	pub Publisher
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, after all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim publishes every message of one partition claim. Messages are
// marked even when rejected so a poison message cannot stall the partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			_ = deliver(session.Context(), h.pub, sourceKafka, msg.Value)
			session.MarkMessage(msg, "")
		}
	}
}

// ParseBrokers parses a comma-separated list of Kafka brokers.
func ParseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
