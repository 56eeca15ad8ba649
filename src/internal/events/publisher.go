package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Sink delivers an envelope to one destination.
type Sink interface {
	Send(ctx context.Context, env Envelope) error
}

// Publisher stamps events with an envelope and hands them to every sink.
// Sink failures are logged and never fail the caller.
type Publisher struct {
	source string
	now    func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

func NewPublisher(source string, sinks ...Sink) *Publisher {
	return &Publisher{
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
		sinks:  sinks,
	}
}

// AddSink registers another destination.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Publish emits one event. idempotencyKey must be stable across retries of
// the same logical event.
func (p *Publisher) Publish(ctx context.Context, eventType, partitionKey, idempotencyKey string, data any) error {
	env := Envelope{
		EventID:        "evt_" + uuid.NewString(),
		EventType:      eventType,
		SchemaVersion:  "1.0",
		IdempotencyKey: idempotencyKey,
		Timestamp:      p.now(),
		Source:         p.source,
		PartitionKey:   partitionKey,
		Data:           data,
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = env.EventID
	}

	slog.InfoContext(ctx, "event_published",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"partition_key", env.PartitionKey,
		"source", env.Source,
	)

	p.mu.RLock()
	sinks := p.sinks
	p.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, env); err != nil {
			slog.WarnContext(ctx, "event_sink_failed",
				"event_type", env.EventType,
				"sink", fmt.Sprintf("%T", s),
				"error", err,
			)
		}
	}
	return nil
}

// WebhookSink POSTs envelopes to a URL per event type.
type WebhookSink struct {
	httpClient *http.Client
	endpoints  map[string]string // eventType -> webhook URL
}

func NewWebhookSink() *WebhookSink {
	return &WebhookSink{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoints:  make(map[string]string),
	}
}

// RegisterEndpoint registers a webhook endpoint for an event type
func (w *WebhookSink) RegisterEndpoint(eventType, webhookURL string) {
	w.endpoints[eventType] = webhookURL
}

func (w *WebhookSink) Send(ctx context.Context, env Envelope) error {
	url, ok := w.endpoints[env.EventType]
	if !ok {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", env.EventID)
	req.Header.Set("X-Event-Type", env.EventType)
	req.Header.Set("Idempotency-Key", env.IdempotencyKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", env.EventType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s: status %d", env.EventType, resp.StatusCode)
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink writes envelopes to a Kafka topic keyed by partition key so the
// events of one seller stay ordered.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (k *KafkaSink) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.PartitionKey),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "idempotency_key", Value: []byte(env.IdempotencyKey)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", env.EventType, err)
	}
	return nil
}

// Recorder keeps every envelope in memory; useful in tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Send(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// OfType returns the recorded envelopes of one event type.
func (r *Recorder) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
