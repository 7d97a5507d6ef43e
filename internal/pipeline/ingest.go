package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/sleepysoft/intelhub/internal/fingerprint"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/queue/streams"
	"github.com/sleepysoft/intelhub/internal/store"
)

// IngestStore is the slice of the item store the ingestor writes to.
type IngestStore interface {
	InsertPending(ctx context.Context, it model.Item) error
}

// FingerprintRegistry guards against staging the same source twice.
type FingerprintRegistry interface {
	RegisterIfAbsent(ctx context.Context, fp, itemUUID string) (string, error)
}

// IngestResult reports what happened to one collect submission.
type IngestResult struct {
	UUID        string `json:"uuid"`
	Fingerprint string `json:"fingerprint"`
	Duplicate   bool   `json:"duplicate"`
}

// Ingestor turns collect requests into staged pending items, first-writer-wins
// on the fingerprint.
type Ingestor struct {
	logger *log.Logger
	store  IngestStore
	fps    FingerprintRegistry
}

func NewIngestor(logger *log.Logger, st IngestStore, fps FingerprintRegistry) *Ingestor {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Ingestor{logger: logger, store: st, fps: fps}
}

// Ingest validates, fingerprints and stages one submission. Duplicates are
// reported, not errors: the caller acknowledges them so collectors stop
// resending.
func (g *Ingestor) Ingest(ctx context.Context, req model.CollectRequest) (IngestResult, error) {
	if err := req.Validate(); err != nil {
		itemsIngested.WithLabelValues(ingestInvalid).Inc()
		return IngestResult{}, err
	}
	fp := fingerprint.Compute(req.Informant, req.Content)
	outcome, err := g.fps.RegisterIfAbsent(ctx, fp, req.UUID)
	if err != nil {
		return IngestResult{}, err
	}
	if outcome == fingerprint.OutcomeDuplicate {
		itemsIngested.WithLabelValues(ingestDuplicate).Inc()
		return IngestResult{UUID: req.UUID, Fingerprint: fp, Duplicate: true}, nil
	}

	it := model.ItemFromCollect(req, fp, time.Now().UTC())
	if err := g.store.InsertPending(ctx, it); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			itemsIngested.WithLabelValues(ingestDuplicate).Inc()
			return IngestResult{UUID: req.UUID, Fingerprint: fp, Duplicate: true}, nil
		}
		return IngestResult{}, err
	}
	itemsIngested.WithLabelValues(ingestStaged).Inc()
	return IngestResult{UUID: req.UUID, Fingerprint: fp}, nil
}

// StreamIngestor consumes collect events from the Redis stream and feeds them
// through the Ingestor, acknowledging each handled entry.
type StreamIngestor struct {
	logger   *log.Logger
	ingestor *Ingestor
	consumer *streams.Consumer
	stream   string
}

func NewStreamIngestor(logger *log.Logger, ing *Ingestor, cons *streams.Consumer, stream string) *StreamIngestor {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	if stream == "" {
		stream = streams.StreamCollect
	}
	return &StreamIngestor{logger: logger, ingestor: ing, consumer: cons, stream: stream}
}

// Run blocks, draining the collect stream until the context is cancelled.
func (s *StreamIngestor) Run(ctx context.Context) error {
	s.logger.Printf("ingest consumer starting on stream %s", s.stream)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("ingest consumer stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := s.consumer.Read(ctx, s.stream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("error reading stream: %v", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		for _, msg := range msgs {
			if err := s.handle(ctx, msg); err != nil {
				s.logger.Printf("error handling message %s: %v", msg.ID, err)
				continue
			}
			if err := s.consumer.Ack(ctx, s.stream, msg.ID); err != nil {
				s.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (s *StreamIngestor) handle(ctx context.Context, msg streams.Message) error {
	if msg.Envelope.EventType != streams.EventTypeCollected {
		// unknown event, drop it so the group moves on
		return nil
	}
	var req model.CollectRequest
	if err := json.Unmarshal(msg.Envelope.Data, &req); err != nil {
		s.logger.Printf("drop malformed collect payload %s: %v", msg.ID, err)
		return nil
	}
	if err := req.Validate(); err != nil {
		itemsIngested.WithLabelValues(ingestInvalid).Inc()
		s.logger.Printf("drop invalid collect payload %s: %v", msg.ID, err)
		return nil
	}
	res, err := s.ingestor.Ingest(ctx, req)
	if err != nil {
		return err
	}
	if res.Duplicate {
		s.logger.Printf("duplicate submission %s (fingerprint %s)", req.UUID, res.Fingerprint)
	}
	return nil
}
