package search

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/sleepysoft/intelhub/internal/model"
)

// doc is the reduced view of an item held in the keyword index.
type doc struct {
	Title         string   `json:"title"`
	Brief         string   `json:"brief"`
	Text          string   `json:"text"`
	Taxonomy      string   `json:"taxonomy"`
	Locations     []string `json:"locations"`
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
}

// Hit is one keyword match.
type Hit struct {
	UUID  string  `json:"uuid"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// Index is an in-memory keyword index over archived items. It is rebuilt from
// the archive at startup and kept current as items archive.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &Index{bleve: idx}, nil
}

// Add indexes one archived item, replacing any previous document for the UUID.
func (ix *Index) Add(it model.Item) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.bleve.Index(it.UUID, doc{
		Title:         it.Title,
		Brief:         it.Brief,
		Text:          it.Text,
		Taxonomy:      it.Taxonomy,
		Locations:     it.Locations,
		People:        it.People,
		Organizations: it.Organizations,
	})
}

// Remove drops an item from the index.
func (ix *Index) Remove(uuid string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.bleve.Delete(uuid)
}

// Count reports the number of indexed items.
func (ix *Index) Count() (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.bleve.DocCount()
}

// Search runs a query-string search and returns up to k ranked UUIDs.
func (ix *Index) Search(q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 20
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := ix.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	var out []Hit
	for i, hit := range res.Hits {
		out = append(out, Hit{UUID: hit.ID, Score: hit.Score, Rank: i + 1})
	}
	return out, nil
}
