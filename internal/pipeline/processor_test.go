package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/analyzer"
	"github.com/sleepysoft/intelhub/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	failed   []string
	released []string
	finished map[string]string // uuid -> partition
	finishAt map[string]model.Item
	markErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{finished: map[string]string{}, finishAt: map[string]model.Item{}}
}

func (f *fakeStore) ClaimNext(ctx context.Context, leaseToken string, lease time.Duration, maxAttempts int) (model.Item, bool, error) {
	return model.Item{}, false, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, uuid, leaseToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.failed = append(f.failed, uuid)
	return nil
}

func (f *fakeStore) ReleasePending(ctx context.Context, uuid, leaseToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, uuid)
	return nil
}

func (f *fakeStore) FinishArchive(ctx context.Context, it model.Item, leaseToken, partition string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[it.UUID] = partition
	f.finishAt[it.UUID] = it
	return nil
}

func (f *fakeStore) ReapExpiredLeases(ctx context.Context, maxAttempts int) (int, error) {
	return 0, nil
}

type fakeClassifier struct {
	result analyzer.AnalysisResult
	err    error
	gotCtx context.Context
}

func (f *fakeClassifier) Analyze(ctx context.Context, it model.Item, extraPrompt string) (analyzer.AnalysisResult, error) {
	f.gotCtx = ctx
	if f.err != nil {
		return analyzer.AnalysisResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeClassifier) Provider() string { return "openai" }
func (f *fakeClassifier) Model() string    { return "gpt-4o-mini" }

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	err     error
}

func (f *fakeIndexer) Index(ctx context.Context, it model.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, it.UUID)
	return f.err
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{ScoreThreshold: 6}.Normalize()
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestProcessOneRoutesHighScoreToArchive(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{result: analyzer.AnalysisResult{
		Title: "t", Brief: "b", Text: "full",
		Rate: map[string]float64{"economic": 8, "social": 2},
	}}
	ix := &fakeIndexer{}
	p := NewProcessor(quietLogger(), st, cl, ix, testConfig())

	it := model.Item{UUID: "u1", Raw: "raw content", Attempts: 1}
	if err := p.ProcessOne(context.Background(), it, "lease-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if st.finished["u1"] != model.PartitionArchived {
		t.Fatalf("partition = %q", st.finished["u1"])
	}
	got := st.finishAt["u1"]
	if got.Appendix.MaxRateClass != "economic" || got.Appendix.MaxRateScore != 8 {
		t.Fatalf("max rate not stamped: %+v", got.Appendix)
	}
	if got.Appendix.TimeDone == nil || got.Appendix.TimeArchived == nil {
		t.Fatalf("timestamps not stamped: %+v", got.Appendix)
	}
	if got.Appendix.AIProvider != "openai" || got.Appendix.PromptVersion != analyzer.PromptVersion {
		t.Fatalf("provenance not stamped: %+v", got.Appendix)
	}
	if got.Raw != "raw content" {
		t.Fatalf("raw content must be preserved")
	}
	if len(ix.indexed) != 1 || ix.indexed[0] != "u1" {
		t.Fatalf("archived item should be indexed: %v", ix.indexed)
	}
}

func TestProcessOneRoutesLowScoreToLowValue(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{result: analyzer.AnalysisResult{
		Title: "t", Brief: "b",
		Rate: map[string]float64{"economic": 5.9},
	}}
	ix := &fakeIndexer{}
	p := NewProcessor(quietLogger(), st, cl, ix, testConfig())

	if err := p.ProcessOne(context.Background(), model.Item{UUID: "u2"}, "lease-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if st.finished["u2"] != model.PartitionLowValue {
		t.Fatalf("partition = %q", st.finished["u2"])
	}
	if len(ix.indexed) != 0 {
		t.Fatalf("low value items are not indexed: %v", ix.indexed)
	}
}

func TestProcessOneBoundaryScoreArchives(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{result: analyzer.AnalysisResult{
		Title: "t", Brief: "b",
		Rate: map[string]float64{"economic": 6},
	}}
	p := NewProcessor(quietLogger(), st, cl, nil, testConfig())

	if err := p.ProcessOne(context.Background(), model.Item{UUID: "u3"}, "lease-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if st.finished["u3"] != model.PartitionArchived {
		t.Fatalf("score equal to threshold must archive, got %q", st.finished["u3"])
	}
}

func TestProcessOneMarksFailedOnAnalysisError(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{err: fmt.Errorf("model unavailable")}
	p := NewProcessor(quietLogger(), st, cl, nil, testConfig())

	err := p.ProcessOne(context.Background(), model.Item{UUID: "u4"}, "lease-1")
	if err == nil {
		t.Fatalf("expected analysis error")
	}
	if len(st.failed) != 1 || st.failed[0] != "u4" {
		t.Fatalf("item should be marked failed: %v", st.failed)
	}
	if len(st.finished) != 0 {
		t.Fatalf("failed item must not reach a terminal partition")
	}
}

func TestProcessOneReleasesClaimOnShutdown(t *testing.T) {
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	cl := &shutdownClassifier{cancel: cancel}
	p := NewProcessor(quietLogger(), st, cl, nil, testConfig())

	err := p.ProcessOne(ctx, model.Item{UUID: "u8", Attempts: 1}, "lease-1")
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if len(st.released) != 1 || st.released[0] != "u8" {
		t.Fatalf("claim should be released back to pending: %v", st.released)
	}
	if len(st.failed) != 0 {
		t.Fatalf("shutdown must not count as a failed attempt: %v", st.failed)
	}
}

// shutdownClassifier cancels the worker context mid-analysis, as a SIGTERM
// during an in-flight attempt would.
type shutdownClassifier struct {
	cancel context.CancelFunc
}

func (s *shutdownClassifier) Analyze(ctx context.Context, it model.Item, extraPrompt string) (analyzer.AnalysisResult, error) {
	s.cancel()
	<-ctx.Done()
	return analyzer.AnalysisResult{}, ctx.Err()
}

func (s *shutdownClassifier) Provider() string { return "openai" }
func (s *shutdownClassifier) Model() string    { return "gpt-4o-mini" }

func TestProcessOneParseErrorIsAttemptFailure(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{err: &analyzer.ParseError{Reason: "title is empty"}}
	p := NewProcessor(quietLogger(), st, cl, nil, testConfig())

	err := p.ProcessOne(context.Background(), model.Item{UUID: "u5"}, "lease-1")
	var pe *analyzer.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if len(st.failed) != 1 {
		t.Fatalf("parse failure should mark the item failed")
	}
}

func TestProcessOneExcludedRatingDoesNotRoute(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{result: analyzer.AnalysisResult{
		Title: "t", Brief: "b",
		Rate: map[string]float64{"accuracy": 9, "economic": 4},
	}}
	cfg := testConfig()
	cfg.ExcludeRating = []string{"accuracy"}
	p := NewProcessor(quietLogger(), st, cl, nil, cfg)

	if err := p.ProcessOne(context.Background(), model.Item{UUID: "u6"}, "lease-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if st.finished["u6"] != model.PartitionLowValue {
		t.Fatalf("excluded dimension must not drive routing, got %q", st.finished["u6"])
	}
	if got := st.finishAt["u6"]; got.Appendix.MaxRateClass != "economic" {
		t.Fatalf("max rate class = %q", got.Appendix.MaxRateClass)
	}
}

func TestProcessOneAppliesAttemptTimeout(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClassifier{result: analyzer.AnalysisResult{
		Title: "t", Brief: "b", Rate: map[string]float64{"economic": 7},
	}}
	cfg := testConfig()
	cfg.AnalysisTimeout = 30 * time.Second
	p := NewProcessor(quietLogger(), st, cl, nil, cfg)

	if err := p.ProcessOne(context.Background(), model.Item{UUID: "u7"}, "lease-1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if cl.gotCtx == nil {
		t.Fatalf("classifier did not receive a context")
	}
	if _, ok := cl.gotCtx.Deadline(); !ok {
		t.Fatalf("analysis context must carry a deadline")
	}
}

func TestBackoffFor(t *testing.T) {
	base, max := time.Second, 8*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.attempt, base, max); got != tc.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
