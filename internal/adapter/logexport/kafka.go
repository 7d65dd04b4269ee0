// Package logexport publishes request-log records to Kafka for downstream
// analytics. The database sink stays authoritative; export is best effort.
package logexport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// Publisher ships request logs to a Kafka topic, keyed by target id so one
// target's records stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers. The topic must already exist or the
// cluster must auto-create it.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	slog.Info("request log export enabled", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

// Append publishes one record asynchronously. Delivery failures are logged,
// never surfaced: the response path must not depend on the broker.
func (p *Publisher) Append(_ context.Context, rec domain.RequestLog) error {
	payload, err := json.Marshal(exportRecord(rec))
	if err != nil {
		return fmt.Errorf("op=logexport.append: %w", err)
	}
	p.client.Produce(context.Background(), &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.TargetID),
		Value: payload,
	}, func(r *kgo.Record, err error) {
		if err != nil {
			slog.Warn("request log export failed", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes outstanding records and releases the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("kafka flush on close failed", slog.Any("error", err))
	}
	p.client.Close()
}

// exportRecord is the wire shape; field names are stable for consumers.
type exportRecord domain.RequestLog

func (r exportRecord) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID               string    `json:"id"`
		RequestID        string    `json:"request_id"`
		TargetID         string    `json:"target_id"`
		Timestamp        time.Time `json:"timestamp"`
		RequestedModel   string    `json:"requested_model"`
		ModelUsed        string    `json:"model_used"`
		IsStreaming      bool      `json:"is_streaming"`
		StatusCode       int       `json:"status_code"`
		IsError          bool      `json:"is_error"`
		ErrorType        string    `json:"error_type,omitempty"`
		ErrorMessage     string    `json:"error_message,omitempty"`
		ResponseTimeMS   int64     `json:"response_time_ms"`
		IPAddress        string    `json:"ip_address"`
		PromptTokens     int       `json:"prompt_tokens"`
		CompletionTokens int       `json:"completion_tokens"`
		TotalTokens      int       `json:"total_tokens"`
	}
	return json.Marshal(wire(r))
}

// Tee fans one record out to several sinks; each failure is independent and
// the first error is returned for the caller's log line.
type Tee []domain.RequestLogSink

func (t Tee) Append(ctx context.Context, rec domain.RequestLog) error {
	var first error
	for _, s := range t {
		if err := s.Append(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
