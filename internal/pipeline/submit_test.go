package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/queue/streams"
)

type capturePublisher struct {
	stream    string
	eventType string
	version   string
	payload   interface{}
	calls     int
}

func (c *capturePublisher) PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error) {
	c.calls++
	c.stream = stream
	c.eventType = eventType
	c.version = version
	c.payload = payload
	return "1-0", nil
}

func TestStreamSubmitterPublishesCollectEvent(t *testing.T) {
	pub := &capturePublisher{}
	sub := NewStreamSubmitter(quietLogger(), pub, "")

	req := model.CollectRequest{UUID: "u1", Content: "body", Source: "feed"}
	res, err := sub.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.UUID != "u1" || res.Duplicate {
		t.Fatalf("unexpected result: %+v", res)
	}
	if pub.stream != streams.StreamCollect || pub.eventType != streams.EventTypeCollected || pub.version != streams.PayloadVersionV1 {
		t.Fatalf("wrong envelope routing: %s %s %s", pub.stream, pub.eventType, pub.version)
	}
	raw, err := json.Marshal(pub.payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var got model.CollectRequest
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.UUID != "u1" || got.Content != "body" {
		t.Fatalf("payload mangled: %+v", got)
	}
}

func TestStreamSubmitterRejectsInvalidRequest(t *testing.T) {
	pub := &capturePublisher{}
	sub := NewStreamSubmitter(quietLogger(), pub, "")

	if _, err := sub.Ingest(context.Background(), model.CollectRequest{UUID: "u1"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if pub.calls != 0 {
		t.Fatalf("invalid request must not be published")
	}
}
