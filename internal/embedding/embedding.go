package embedding

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/store"
)

// Embedder produces vectors for texts. The analyzer API client satisfies this.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

// VectorStore is the slice of the item store the indexer writes vectors to.
type VectorStore interface {
	UpsertItemEmbedding(ctx context.Context, uuid, kind string, vector []float32, model string) error
	GetItemEmbedding(ctx context.Context, uuid, kind string) ([]float32, bool, error)
	DeleteItemEmbeddings(ctx context.Context, uuid string) error
	SearchEmbeddings(ctx context.Context, vector []float32, kind string, topK int, minSimilarity float64, excludeUUID string) ([]store.SimilarityHit, error)
}

// Service indexes archived items into pgvector and answers similarity queries.
type Service struct {
	logger *log.Logger
	embed  Embedder
	store  VectorStore
	cfg    config.EmbeddingConfig
}

func NewService(logger *log.Logger, embed Embedder, vs VectorStore, cfg config.EmbeddingConfig) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	return &Service{logger: logger, embed: embed, store: vs, cfg: cfg}
}

// SummaryText is the text covered by the summary span: title plus brief.
func SummaryText(it model.Item) string {
	parts := make([]string, 0, 2)
	if strings.TrimSpace(it.Title) != "" {
		parts = append(parts, strings.TrimSpace(it.Title))
	}
	if strings.TrimSpace(it.Brief) != "" {
		parts = append(parts, strings.TrimSpace(it.Brief))
	}
	return strings.Join(parts, "\n")
}

// FulltextText is the text covered by the fulltext span.
func FulltextText(it model.Item) string {
	if strings.TrimSpace(it.Text) != "" {
		return it.Text
	}
	return it.Raw
}

// Index embeds the configured spans of one archived item and stores the
// vectors. A span whose source text is empty is skipped.
func (s *Service) Index(ctx context.Context, it model.Item) error {
	if !s.cfg.Enabled {
		return nil
	}
	type span struct {
		kind string
		text string
	}
	var spans []span
	if s.cfg.InSummary {
		if text := SummaryText(it); text != "" {
			spans = append(spans, span{store.EmbeddingKindSummary, text})
		}
	}
	if s.cfg.InFulltext {
		if text := FulltextText(it); strings.TrimSpace(text) != "" {
			spans = append(spans, span{store.EmbeddingKindFulltext, text})
		}
	}
	if len(spans) == 0 {
		return nil
	}
	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.text
	}
	vecs, err := s.embed.CreateEmbedding(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed item %s: %w", it.UUID, err)
	}
	if len(vecs) != len(spans) {
		return fmt.Errorf("embed item %s: got %d vectors for %d spans", it.UUID, len(vecs), len(spans))
	}
	for i, sp := range spans {
		if err := s.store.UpsertItemEmbedding(ctx, it.UUID, sp.kind, vecs[i], s.embed.EmbeddingModel()); err != nil {
			return err
		}
	}
	return nil
}

// Reindex rebuilds an item's vectors from scratch. Dropping the old rows
// first clears spans that the current config no longer produces.
func (s *Service) Reindex(ctx context.Context, it model.Item) error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.store.DeleteItemEmbeddings(ctx, it.UUID); err != nil {
		return err
	}
	return s.Index(ctx, it)
}

// SearchText runs a text-seeded similarity search within one span.
func (s *Service) SearchText(ctx context.Context, query, kind string, topK int, minSimilarity float64) ([]store.SimilarityHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query text is required")
	}
	kind, topK, minSimilarity = s.defaults(kind, topK, minSimilarity)
	vecs, err := s.embed.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vector")
	}
	return s.store.SearchEmbeddings(ctx, vecs[0], kind, topK, minSimilarity, "")
}

// SearchSimilar finds items similar to an already archived reference item.
// The reference itself never appears in the results.
func (s *Service) SearchSimilar(ctx context.Context, uuid, kind string, topK int, minSimilarity float64) ([]store.SimilarityHit, error) {
	kind, topK, minSimilarity = s.defaults(kind, topK, minSimilarity)
	vec, ok, err := s.store.GetItemEmbedding(ctx, uuid, kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("item %s has no %s embedding: %w", uuid, kind, store.ErrNotFound)
	}
	return s.store.SearchEmbeddings(ctx, vec, kind, topK, minSimilarity, uuid)
}

func (s *Service) defaults(kind string, topK int, minSimilarity float64) (string, int, float64) {
	if kind == "" {
		kind = store.EmbeddingKindSummary
	}
	if topK <= 0 {
		topK = s.cfg.SearchTopK
	}
	if minSimilarity <= 0 {
		minSimilarity = s.cfg.SearchThreshold
	}
	return kind, topK, minSimilarity
}
