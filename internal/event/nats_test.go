package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fedgenomics/work-package-service/internal/metrics"
	"github.com/fedgenomics/work-package-service/internal/model"
	"github.com/fedgenomics/work-package-service/internal/schema"
)

// recordingHandler captures applied dataset changes.
type recordingHandler struct {
	upserts   []model.Dataset
	deletions []string
	err       error
}

func (h *recordingHandler) RegisterDataset(ctx context.Context, dataset model.Dataset) error {
	if h.err != nil {
		return h.err
	}
	h.upserts = append(h.upserts, dataset)
	return nil
}

func (h *recordingHandler) DeleteDataset(ctx context.Context, datasetID string) error {
	if h.err != nil {
		return h.err
	}
	h.deletions = append(h.deletions, datasetID)
	return nil
}

func newTestSubscriber(t *testing.T, handler DatasetHandler) *Subscriber {
	t.Helper()
	validator, err := schema.NewValidator("dataset_created", "dataset_deleted")
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return &Subscriber{
		validator:    validator,
		handler:      handler,
		upsertType:   "dataset_created",
		deletionType: "dataset_deleted",
		metrics:      metrics.NewMetrics(),
	}
}

func TestHandleUpsert(t *testing.T) {
	handler := &recordingHandler{}
	s := newTestSubscriber(t, handler)

	payload := json.RawMessage(`{
		"accession": "DS001",
		"title": "A dataset",
		"description": "some description",
		"stage": "download",
		"files": [
			{"accession": "FILE001", "file_extension": ".fastq.gz"},
			{"accession": "FILE002", "file_extension": ".vcf"}
		]
	}`)
	if err := s.handleUpsert(context.Background(), payload, nil); err != nil {
		t.Fatalf("handleUpsert() error = %v", err)
	}

	if len(handler.upserts) != 1 {
		t.Fatalf("handler received %d upserts, want 1", len(handler.upserts))
	}
	dataset := handler.upserts[0]
	if dataset.ID != "DS001" || dataset.Stage != model.WorkTypeDownload || dataset.Title != "A dataset" {
		t.Errorf("registered dataset = %+v", dataset)
	}
	if len(dataset.Files) != 2 ||
		dataset.Files[0].ID != "FILE001" || dataset.Files[0].Extension != ".fastq.gz" {
		t.Errorf("registered dataset files = %v", dataset.Files)
	}
}

func TestHandleUpsertIgnoresUnsupportedStage(t *testing.T) {
	handler := &recordingHandler{}
	s := newTestSubscriber(t, handler)

	payload := json.RawMessage(`{"accession":"DS001","title":"t","stage":"archived","files":[]}`)
	if err := s.handleUpsert(context.Background(), payload, nil); err != nil {
		t.Fatalf("handleUpsert() error = %v", err)
	}
	if len(handler.upserts) != 0 {
		t.Errorf("unsupported stage was applied to the projection")
	}
}

func TestHandleUpsertPropagatesHandlerError(t *testing.T) {
	handler := &recordingHandler{err: errors.New("store unavailable")}
	s := newTestSubscriber(t, handler)

	payload := json.RawMessage(`{"accession":"DS001","title":"t","stage":"download","files":[]}`)
	if err := s.handleUpsert(context.Background(), payload, nil); err == nil {
		t.Errorf("handleUpsert() with failing handler succeeded, want error")
	}
}

func TestHandleDeletion(t *testing.T) {
	handler := &recordingHandler{}
	s := newTestSubscriber(t, handler)

	payload := json.RawMessage(`{"accession":"DS001"}`)
	if err := s.handleDeletion(context.Background(), payload, nil); err != nil {
		t.Fatalf("handleDeletion() error = %v", err)
	}
	if len(handler.deletions) != 1 || handler.deletions[0] != "DS001" {
		t.Errorf("handler deletions = %v, want [DS001]", handler.deletions)
	}
}

func TestEnvelopeDecoding(t *testing.T) {
	raw := []byte(`{
		"type": "dataset_created",
		"version": "1.0.0",
		"correlationId": "abc-123",
		"payload": {"accession": "DS001"}
	}`)
	var envelope EventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if envelope.Type != "dataset_created" || envelope.CorrelationID != "abc-123" {
		t.Errorf("envelope = %+v", envelope)
	}
	if string(envelope.Payload) == "" {
		t.Errorf("envelope payload was not preserved")
	}
}
