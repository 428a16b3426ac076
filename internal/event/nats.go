// internal/event/nats.go
// Package event provides the NATS JetStream subscriber that feeds the dataset
// projection. Dataset upsert and deletion events published by the metadata
// service are validated, mapped to the internal model and applied to storage.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fedgenomics/work-package-service/internal/metrics"
	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/schema"
)

// EventEnvelope represents the standard event envelope structure.
// All events on the bus are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string          `json:"type"`          // Event type identifier
	Version       string          `json:"version"`       // Event schema version
	OccurredAt    time.Time       `json:"occurredAt"`    // When the event occurred
	CorrelationID string          `json:"correlationId"` // Correlation ID for tracing
	Payload       json.RawMessage `json:"payload"`       // Event-specific data
}

// DatasetHandler applies dataset changes to the projection.
// It is implemented by the work package manager.
type DatasetHandler interface {
	RegisterDataset(ctx context.Context, dataset model.Dataset) error
	DeleteDataset(ctx context.Context, datasetID string) error
}

// datasetUpsertPayload is the wire form of a dataset announcement.
type datasetUpsertPayload struct {
	Accession   string `json:"accession"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Stage       string `json:"stage"`
	Files       []struct {
		Accession     string `json:"accession"`
		FileExtension string `json:"file_extension"`
	} `json:"files"`
}

// datasetDeletionPayload is the wire form of a dataset deletion.
type datasetDeletionPayload struct {
	Accession string `json:"accession"`
}

// Subscriber consumes dataset change events from a JetStream stream with a
// durable consumer, so that the projection survives restarts and replays.
type Subscriber struct {
	nc           *nats.Conn
	sub          *nats.Subscription
	validator    *schema.Validator
	handler      DatasetHandler
	upsertType   string
	deletionType string
	metrics      *metrics.Metrics
}

const (
	streamName   = "WPS_DATASETS"
	durableName  = "wps-dataset-projector"
	ackWaitTime  = 30 * time.Second
	handleBudget = 10 * time.Second
)

// NewSubscriber connects to NATS, ensures the dataset stream exists and starts
// a durable push subscription on the given topic. Messages are acknowledged
// explicitly: schema-invalid events are terminated, transient handler failures
// are negatively acknowledged for redelivery.
func NewSubscriber(url, topic, upsertType, deletionType string, handler DatasetHandler) (*Subscriber, error) {
	validator, err := schema.NewValidator(upsertType, deletionType)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(url, nats.Name("work-package-service"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// The metadata service owns the stream in production; creating it here is
	// idempotent and makes local setups self-contained.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}

	s := &Subscriber{
		nc:           nc,
		validator:    validator,
		handler:      handler,
		upsertType:   upsertType,
		deletionType: deletionType,
		metrics:      metrics.NewMetrics(),
	}

	sub, err := js.Subscribe(topic, s.handleMessage,
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWaitTime),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	s.sub = sub

	slog.Info("subscribed to dataset change events", "topic", topic, "durable", durableName)
	return s, nil
}

// handleMessage processes a single delivery. Acking policy:
//   - malformed envelope or schema-invalid payload: Term, redelivery cannot help
//   - unknown event type: Ack, the event is not for us
//   - handler failure: Nak for redelivery
func (s *Subscriber) handleMessage(msg *nats.Msg) {
	start := time.Now()

	var envelope EventEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		slog.Error("failed to decode event envelope", "error", err)
		s.observe("unknown", "invalid", start)
		_ = msg.Term()
		return
	}

	logAttrs := []any{"event_type", envelope.Type, "correlation_id", envelope.CorrelationID}

	if !s.validator.Knows(envelope.Type) {
		slog.Debug("ignoring event of unknown type", logAttrs...)
		s.observe(envelope.Type, "ignored", start)
		_ = msg.Ack()
		return
	}

	if err := s.validator.Validate(envelope.Type, envelope.Payload); err != nil {
		slog.Error("event payload failed schema validation", append(logAttrs, "error", err)...)
		s.observe(envelope.Type, "invalid", start)
		_ = msg.Term()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleBudget)
	defer cancel()

	var err error
	switch envelope.Type {
	case s.upsertType:
		err = s.handleUpsert(ctx, envelope.Payload, logAttrs)
	case s.deletionType:
		err = s.handleDeletion(ctx, envelope.Payload, logAttrs)
	}
	if err != nil {
		slog.Error("failed to apply dataset event", append(logAttrs, "error", err)...)
		s.observe(envelope.Type, "error", start)
		_ = msg.Nak()
		return
	}

	s.observe(envelope.Type, "ok", start)
	_ = msg.Ack()
}

// handleUpsert maps a validated upsert payload to the model and applies it.
// Events for stages outside the supported work types are skipped.
func (s *Subscriber) handleUpsert(ctx context.Context, payload json.RawMessage, logAttrs []any) error {
	var upsert datasetUpsertPayload
	if err := json.Unmarshal(payload, &upsert); err != nil {
		return fmt.Errorf("failed to decode upsert payload: %w", err)
	}

	stage := model.WorkType(upsert.Stage)
	if !stage.IsValid() {
		slog.Debug("ignoring dataset with unsupported stage",
			append(logAttrs, "dataset_id", upsert.Accession, "stage", upsert.Stage)...)
		return nil
	}

	dataset := model.Dataset{
		ID:          upsert.Accession,
		Stage:       stage,
		Title:       upsert.Title,
		Description: upsert.Description,
		Files:       make([]model.DatasetFile, 0, len(upsert.Files)),
	}
	for _, file := range upsert.Files {
		dataset.Files = append(dataset.Files, model.DatasetFile{
			ID:        file.Accession,
			Extension: file.FileExtension,
		})
	}

	if err := s.handler.RegisterDataset(ctx, dataset); err != nil {
		return err
	}
	slog.Info("dataset registered", append(logAttrs, "dataset_id", dataset.ID, "files", len(dataset.Files))...)
	return nil
}

// handleDeletion applies a validated deletion payload.
func (s *Subscriber) handleDeletion(ctx context.Context, payload json.RawMessage, logAttrs []any) error {
	var deletion datasetDeletionPayload
	if err := json.Unmarshal(payload, &deletion); err != nil {
		return fmt.Errorf("failed to decode deletion payload: %w", err)
	}

	if err := s.handler.DeleteDataset(ctx, deletion.Accession); err != nil {
		return err
	}
	slog.Info("dataset deleted", append(logAttrs, "dataset_id", deletion.Accession)...)
	return nil
}

// observe records event consumption metrics.
func (s *Subscriber) observe(eventType, status string, start time.Time) {
	s.metrics.EventConsumeTotal.WithLabelValues(eventType, status).Inc()
	s.metrics.EventConsumeDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
}

// Close drains the subscription and closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			slog.Warn("failed to drain event subscription", "error", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
