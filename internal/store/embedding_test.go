package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertItemEmbedding(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(`INSERT INTO item_embeddings`).
		WithArgs("uuid-1", EmbeddingKindSummary, "[0.1,0.2]", "text-embedding-3-small").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpsertItemEmbedding(context.Background(), "uuid-1", EmbeddingKindSummary, []float32{0.1, 0.2}, "text-embedding-3-small"); err != nil {
		t.Fatalf("UpsertItemEmbedding: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertItemEmbeddingRejectsEmptyVector(t *testing.T) {
	st := &Store{}
	if err := st.UpsertItemEmbedding(context.Background(), "uuid-1", EmbeddingKindSummary, nil, "m"); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}

func TestSearchEmbeddings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	archived := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"uuid", "kind", "similarity", "archived_at"}).
		AddRow("uuid-2", EmbeddingKindSummary, 0.93, archived).
		AddRow("uuid-3", EmbeddingKindSummary, 0.81, archived.Add(-time.Hour))
	mock.ExpectQuery(`FROM item_embeddings e`).
		WithArgs("[0.5,0.5]", EmbeddingKindSummary, "uuid-1", 0.7, 10).
		WillReturnRows(rows)

	hits, err := st.SearchEmbeddings(context.Background(), []float32{0.5, 0.5}, EmbeddingKindSummary, 10, 0.7, "uuid-1")
	if err != nil {
		t.Fatalf("SearchEmbeddings: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].UUID != "uuid-2" || hits[0].Similarity != 0.93 {
		t.Fatalf("unexpected top hit: %+v", hits[0])
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.25, -1, 3.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if lit != "[0.25,-1,3.5]" {
		t.Fatalf("unexpected literal %q", lit)
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -1 || vec[2] != 3.5 {
		t.Fatalf("round trip mismatch: %v", vec)
	}
}

func TestGetItemEmbeddingMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`SELECT embedding::text FROM item_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"embedding"}))

	_, ok, err := st.GetItemEmbedding(context.Background(), "uuid-1", EmbeddingKindFulltext)
	if err != nil {
		t.Fatalf("GetItemEmbedding: %v", err)
	}
	if ok {
		t.Fatalf("expected no embedding")
	}
}
