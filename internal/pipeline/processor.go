package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/analyzer"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/store"
)

// StoreAPI captures the store methods the processor needs.
type StoreAPI interface {
	ClaimNext(ctx context.Context, leaseToken string, lease time.Duration, maxAttempts int) (model.Item, bool, error)
	MarkFailed(ctx context.Context, uuid, leaseToken string) error
	ReleasePending(ctx context.Context, uuid, leaseToken string) error
	FinishArchive(ctx context.Context, it model.Item, leaseToken, partition string) error
	ReapExpiredLeases(ctx context.Context, maxAttempts int) (int, error)
}

// Classifier produces a structured analysis for one item.
type Classifier interface {
	Analyze(ctx context.Context, it model.Item, extraPrompt string) (analyzer.AnalysisResult, error)
	Provider() string
	Model() string
}

// Indexer stores similarity vectors for archived items. Indexing failures do
// not block archival.
type Indexer interface {
	Index(ctx context.Context, it model.Item) error
}

// Processor drives the analysis stage: claim, classify, route.
type Processor struct {
	logger     *log.Logger
	store      StoreAPI
	classifier Classifier
	indexer    Indexer
	cfg        config.PipelineConfig

	idleWait time.Duration
}

// NewProcessor constructs a Processor. indexer may be nil when embeddings are
// disabled.
func NewProcessor(logger *log.Logger, st StoreAPI, cl Classifier, ix Indexer, cfg config.PipelineConfig) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Processor{
		logger:     logger,
		store:      st,
		classifier: cl,
		indexer:    ix,
		cfg:        cfg,
		idleWait:   2 * time.Second,
	}
}

// Run blocks, processing items with the configured worker count until the
// context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Printf("pipeline starting: %d workers, threshold %.1f, max attempts %d",
		p.cfg.Workers, p.cfg.ScoreThreshold, p.cfg.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reaperLoop(ctx)
	}()
	wg.Wait()
	p.logger.Printf("pipeline stopped: %v", ctx.Err())
	return nil
}

func (p *Processor) workerLoop(ctx context.Context, id int) {
	backoff := p.cfg.RetryBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leaseToken := uuid.NewString()
		it, ok, err := p.store.ClaimNext(ctx, leaseToken, p.cfg.ClaimLease, p.cfg.MaxAttempts)
		if err != nil {
			p.logger.Printf("worker %d: claim failed: %v", id, err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, p.cfg.RetryBackoffMax)
			continue
		}
		if !ok {
			if !sleepCtx(ctx, p.idleWait) {
				return
			}
			continue
		}
		backoff = p.cfg.RetryBackoff

		if err := p.ProcessOne(ctx, it, leaseToken); err != nil {
			p.logger.Printf("worker %d: item %s attempt %d failed: %v", id, it.UUID, it.Attempts, err)
			if !sleepCtx(ctx, backoffFor(it.Attempts, p.cfg.RetryBackoff, p.cfg.RetryBackoffMax)) {
				return
			}
		}
	}
}

// ProcessOne runs a single analysis attempt on a claimed item. A returned
// error means the attempt failed and the item was marked failed; exhausting
// the attempt budget leaves it there for operator action.
func (p *Processor) ProcessOne(ctx context.Context, it model.Item, leaseToken string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	defer cancel()

	started := time.Now()
	res, err := p.classifier.Analyze(attemptCtx, it, it.Appendix.Prompt)
	analysisDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down, not a provider failure. Hand the claim back
			// without consuming the attempt.
			relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer relCancel()
			if relErr := p.store.ReleasePending(relCtx, it.UUID, leaseToken); relErr != nil {
				p.logger.Printf("item %s: release errored: %v", it.UUID, relErr)
			}
			return err
		}
		itemsProcessed.WithLabelValues(outcomeFailed).Inc()
		if markErr := p.store.MarkFailed(ctx, it.UUID, leaseToken); markErr != nil {
			if errors.Is(markErr, store.ErrLeaseLost) {
				return markErr
			}
			p.logger.Printf("item %s: mark failed errored: %v", it.UUID, markErr)
		}
		return err
	}

	it = applyAnalysis(it, res)
	now := time.Now().UTC()
	it.Appendix.TimeDone = &now
	it.Appendix.AIProvider = p.classifier.Provider()
	it.Appendix.AIModel = p.classifier.Model()
	it.Appendix.PromptVersion = analyzer.PromptVersion

	class, score := model.MaxRate(it.Rate, p.cfg.ExcludeRating...)
	it.Appendix.MaxRateClass = class
	it.Appendix.MaxRateScore = score

	partition := model.PartitionLowValue
	state := model.StateLowValue
	outcome := outcomeLowValue
	if score >= p.cfg.ScoreThreshold {
		partition = model.PartitionArchived
		state = model.StateArchived
		outcome = outcomeArchived
	}
	archivedAt := time.Now().UTC()
	it.Appendix.TimeArchived = &archivedAt
	it.State = state

	if err := p.store.FinishArchive(ctx, it, leaseToken, partition); err != nil {
		return err
	}
	itemsProcessed.WithLabelValues(outcome).Inc()

	if partition == model.PartitionArchived && p.indexer != nil {
		if err := p.indexer.Index(ctx, it); err != nil {
			p.logger.Printf("item %s: embedding index failed: %v", it.UUID, err)
		}
	}
	return nil
}

// applyAnalysis folds the classification into the item. The raw collected
// content stays untouched on the Raw field.
func applyAnalysis(it model.Item, res analyzer.AnalysisResult) model.Item {
	it.Title = res.Title
	it.Brief = res.Brief
	it.Text = res.Text
	if it.Text == "" {
		it.Text = it.Raw
	}
	it.EventTimes = res.EventTimes
	it.Locations = res.Locations
	it.People = res.People
	it.Organizations = res.Organizations
	it.Taxonomy = res.Taxonomy
	it.SubCategories = res.SubCategories
	it.Rate = res.Rate
	it.Impact = res.Impact
	it.Tips = res.Tips
	return it
}

func (p *Processor) reaperLoop(ctx context.Context) {
	interval := p.cfg.ClaimLease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapExpiredLeases(ctx, p.cfg.MaxAttempts)
			if err != nil {
				p.logger.Printf("reaper: %v", err)
				continue
			}
			if n > 0 {
				leasesReaped.Add(float64(n))
				p.logger.Printf("reaper: returned %d expired leases", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func backoffFor(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d = nextBackoff(d, max)
		if d == max {
			break
		}
	}
	return d
}
