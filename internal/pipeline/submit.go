package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/queue/streams"
)

// EventPublisher appends collect envelopes to a stream. The streams
// Publisher satisfies this.
type EventPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// StreamSubmitter hands collect requests to the pipeline through the Redis
// stream instead of staging them in-process. Collector hosts only need Redis;
// fingerprint checks and staging happen on the worker draining the stream, so
// a submission accepted here can still turn out to be a duplicate there.
type StreamSubmitter struct {
	logger *log.Logger
	pub    EventPublisher
	stream string
}

func NewStreamSubmitter(logger *log.Logger, pub EventPublisher, stream string) *StreamSubmitter {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	if stream == "" {
		stream = streams.StreamCollect
	}
	return &StreamSubmitter{logger: logger, pub: pub, stream: stream}
}

// Ingest validates the request and publishes it as a collected event.
func (s *StreamSubmitter) Ingest(ctx context.Context, req model.CollectRequest) (IngestResult, error) {
	if err := req.Validate(); err != nil {
		itemsIngested.WithLabelValues(ingestInvalid).Inc()
		return IngestResult{}, err
	}
	if _, err := s.pub.PublishRaw(ctx, s.stream, streams.EventTypeCollected, streams.PayloadVersionV1, req); err != nil {
		return IngestResult{}, fmt.Errorf("publish collect event: %w", err)
	}
	return IngestResult{UUID: req.UUID}, nil
}
