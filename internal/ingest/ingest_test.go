package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	goredis "github.com/redis/go-redis/v9"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

const testSubject = "0xabc0000000000000000000000000000000000001"

type fakePublisher struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, alert models.Alert) (*models.Alert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.alerts = append(p.alerts, alert)
	return &alert, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func TestDecodeAlert(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"full", `{"id":"a1","subject":"` + testSubject + `","type":"aml","severity":"high","payload":{"score":90},"created_at":"2026-01-01T00:00:00Z"}`, false},
		{"minimal", `{"subject":"` + testSubject + `"}`, false},
		{"extra fields", `{"subject":"` + testSubject + `","engine":"v2"}`, false},
		{"missing subject", `{"type":"aml"}`, true},
		{"not json", `alert!`, true},
		{"array", `[]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, err := DecodeAlert([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Fatalf("err = %v, want ErrDecode", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if alert.Subject != testSubject {
				t.Errorf("subject = %q", alert.Subject)
			}
		})
	}
}

func TestDeliver(t *testing.T) {
	pub := &fakePublisher{}
	if err := deliver(context.Background(), pub, "test", []byte(`{"subject":"`+testSubject+`","severity":"low"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.count() != 1 || pub.alerts[0].Severity != models.SeverityLow {
		t.Fatalf("published = %+v", pub.alerts)
	}

	if err := deliver(context.Background(), pub, "test", []byte(`nope`)); err == nil {
		t.Error("expected decode error")
	}

	rejecting := &fakePublisher{err: errors.New("invalid alert")}
	if err := deliver(context.Background(), rejecting, "test", []byte(`{"subject":"x"}`)); err == nil {
		t.Error("expected publish error")
	}
}

func TestRedisSource_Consume(t *testing.T) {
	pub := &fakePublisher{}
	s := &RedisSource{channel: "alerts", pub: pub}

	msgs := make(chan *goredis.Message, 3)
	msgs <- &goredis.Message{Channel: "alerts", Payload: `{"subject":"` + testSubject + `"}`}
	msgs <- &goredis.Message{Channel: "alerts", Payload: `garbage`}
	msgs <- &goredis.Message{Channel: "alerts", Payload: `{"subject":"` + testSubject + `","type":"kyc"}`}
	close(msgs)

	done := make(chan struct{})
	go func() {
		s.consume(context.Background(), msgs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after channel close")
	}
	if pub.count() != 2 {
		t.Errorf("published %d alerts, want 2 (bad message skipped)", pub.count())
	}
}

func TestRedisSource_ConsumeStopsOnCancel(t *testing.T) {
	s := &RedisSource{channel: "alerts", pub: &fakePublisher{}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.consume(ctx, make(chan *goredis.Message))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

func TestNewRedisSource(t *testing.T) {
	if _, err := NewRedisSource(RedisConfig{}, &fakePublisher{}, false); err == nil {
		t.Error("expected error for missing address")
	}
	s, err := NewRedisSource(RedisConfig{Addr: "127.0.0.1:6379"}, &fakePublisher{}, false)
	if err != nil {
		t.Fatalf("NewRedisSource: %v", err)
	}
	defer s.Close()
	if s.channel != "kycstream:alerts" {
		t.Errorf("default channel = %q", s.channel)
	}
}

// fakeSession implements the parts of sarama.ConsumerGroupSession the handler uses.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestConsumeClaim(t *testing.T) {
	pub := &fakePublisher{}
	h := &consumerGroupHandler{pub: pub}

	session := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "alerts", Offset: 10, Value: []byte(`{"subject":"` + testSubject + `"}`)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "alerts", Offset: 11, Value: []byte(`poison`)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "alerts", Offset: 12, Value: []byte(`{"subject":"` + testSubject + `","severity":"critical"}`)}
	close(claim.msgs)

	if err := h.Setup(session); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim: %v", err)
	}
	if err := h.Cleanup(session); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if pub.count() != 2 {
		t.Errorf("published %d alerts, want 2", pub.count())
	}
	if len(session.marked) != 3 {
		t.Errorf("marked %d messages, want 3 (poison message marked too)", len(session.marked))
	}
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}
	h := &consumerGroupHandler{pub: &fakePublisher{}}

	errCh := make(chan error, 1)
	go func() { errCh <- h.ConsumeClaim(session, claim) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}

func TestNewKafkaSource_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  KafkaConfig
	}{
		{"no brokers", KafkaConfig{Group: "g", Topic: "t"}},
		{"no group", KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}},
		{"no topic", KafkaConfig{Brokers: []string{"localhost:9092"}, Group: "g"}},
		{"bad version", KafkaConfig{Brokers: []string{"localhost:9092"}, Group: "g", Topic: "t", Version: "banana"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKafkaSource(tt.cfg, &fakePublisher{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:9092", []string{"a:9092"}},
		{" a:9092, b:9092 ,", []string{"a:9092", "b:9092"}},
	}
	for _, tt := range tests {
		got := ParseBrokers(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ParseBrokers(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseBrokers(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
