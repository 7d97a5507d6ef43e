package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Embedding spans. Summary vectors cover title plus brief, fulltext vectors
// cover the event body.
const (
	EmbeddingKindSummary  = "summary"
	EmbeddingKindFulltext = "fulltext"
)

// SimilarityHit is one search result. Similarity is 1 minus the cosine
// distance, so identical vectors score 1.
type SimilarityHit struct {
	UUID       string    `json:"uuid"`
	Kind       string    `json:"kind"`
	Similarity float64   `json:"similarity"`
	ArchivedAt time.Time `json:"archived_at"`
}

// UpsertItemEmbedding stores one vector per (item, kind), replacing any prior
// vector from an earlier model or reindex.
func (s *Store) UpsertItemEmbedding(ctx context.Context, uuid, kind string, vector []float32, model string) error {
	vectorLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO item_embeddings (uuid, kind, embedding, model, created_at)
VALUES ($1,$2,$3::vector,$4,NOW())
ON CONFLICT (uuid, kind) DO UPDATE SET
  embedding = EXCLUDED.embedding,
  model = EXCLUDED.model,
  created_at = NOW();
`, uuid, kind, vectorLiteral, model)
	if err != nil {
		return fmt.Errorf("upsert embedding %s/%s: %w", uuid, kind, err)
	}
	return nil
}

// GetItemEmbedding fetches a stored vector. The second return reports whether
// one exists for the (item, kind) pair.
func (s *Store) GetItemEmbedding(ctx context.Context, uuid, kind string) ([]float32, bool, error) {
	var lit string
	err := s.DB.QueryRowContext(ctx, `
SELECT embedding::text FROM item_embeddings WHERE uuid = $1 AND kind = $2
`, uuid, kind).Scan(&lit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get embedding %s/%s: %w", uuid, kind, err)
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// DeleteItemEmbeddings removes every vector for an item, used when the item
// leaves the archive.
func (s *Store) DeleteItemEmbeddings(ctx context.Context, uuid string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM item_embeddings WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("delete embeddings for %s: %w", uuid, err)
	}
	return nil
}

// SearchEmbeddings ranks archived items against the query vector within one
// span. Results below minSimilarity are dropped; excludeUUID removes the
// reference item itself from reference-seeded searches. Ordering is by
// similarity descending with archive time breaking ties.
func (s *Store) SearchEmbeddings(ctx context.Context, vector []float32, kind string, topK int, minSimilarity float64, excludeUUID string) ([]SimilarityHit, error) {
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT e.uuid, e.kind, 1 - (e.embedding <=> $1::vector) AS similarity, a.archived_at
FROM item_embeddings e
JOIN items_archived a ON a.uuid = e.uuid
WHERE e.kind = $2
  AND ($3 = '' OR e.uuid <> $3)
  AND 1 - (e.embedding <=> $1::vector) >= $4
ORDER BY similarity DESC, a.archived_at DESC
LIMIT $5
`, vecLiteral, kind, excludeUUID, minSimilarity, topK)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()
	var hits []SimilarityHit
	for rows.Next() {
		var h SimilarityHit
		if err := rows.Scan(&h.UUID, &h.Kind, &h.Similarity, &h.ArchivedAt); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
