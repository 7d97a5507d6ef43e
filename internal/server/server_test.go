package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/pipeline"
	"github.com/sleepysoft/intelhub/internal/store"
)

type fakeItemStore struct {
	items       map[string]model.Item
	partitions  map[string]string
	manualRated map[string]map[string]float64
	retried     []string
	counts      store.PartitionCounts
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{
		items:       map[string]model.Item{},
		partitions:  map[string]string{},
		manualRated: map[string]map[string]float64{},
	}
}

func (f *fakeItemStore) GetItem(ctx context.Context, uuid string) (model.Item, string, error) {
	it, ok := f.items[uuid]
	if !ok {
		return model.Item{}, "", store.ErrNotFound
	}
	return it, f.partitions[uuid], nil
}

func (f *fakeItemStore) QueryArchived(ctx context.Context, fl store.Filter) ([]model.Item, int, error) {
	var out []model.Item
	for uuid, it := range f.items {
		if f.partitions[uuid] == model.PartitionArchived {
			out = append(out, it)
		}
	}
	return out, len(out), nil
}

func (f *fakeItemStore) RecentArchived(ctx context.Context, limit int) ([]model.Item, error) {
	items, _, err := f.QueryArchived(ctx, store.Filter{Limit: limit})
	return items, err
}

func (f *fakeItemStore) SetManualRate(ctx context.Context, uuid string, ratings map[string]float64) error {
	if f.partitions[uuid] != model.PartitionArchived {
		return store.ErrNotFound
	}
	f.manualRated[uuid] = ratings
	return nil
}

func (f *fakeItemStore) RetryFailed(ctx context.Context, uuid string) error {
	it, ok := f.items[uuid]
	if !ok || it.State != model.StateFailed {
		return store.ErrNotRetryable
	}
	f.retried = append(f.retried, uuid)
	return nil
}

func (f *fakeItemStore) Stats(ctx context.Context) (store.PartitionCounts, error) {
	return f.counts, nil
}

func (f *fakeItemStore) ListPartition(ctx context.Context, partition string, fn func(model.Item) error) error {
	for uuid, it := range f.items {
		if f.partitions[uuid] == partition {
			if err := fn(it); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeItemStore) ImportItem(ctx context.Context, partition string, it model.Item) (bool, error) {
	if _, ok := f.items[it.UUID]; ok {
		return false, nil
	}
	f.items[it.UUID] = it
	f.partitions[it.UUID] = partition
	return true, nil
}

func (f *fakeItemStore) CreateUser(ctx context.Context, email, hash string) error { return nil }
func (f *fakeItemStore) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	return "", "", store.ErrNotFound
}

type fakeIngest struct {
	reqs      []model.CollectRequest
	duplicate bool
}

func (f *fakeIngest) Ingest(ctx context.Context, req model.CollectRequest) (pipeline.IngestResult, error) {
	f.reqs = append(f.reqs, req)
	return pipeline.IngestResult{UUID: req.UUID, Fingerprint: "fp", Duplicate: f.duplicate}, nil
}

func testServer(st *fakeItemStore, ing *fakeIngest, tokens []string) *Server {
	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	cfg.Server.JWTSecret = "test-secret"
	cfg.Server.CollectorTokens = tokens
	return New(log.New(io.Discard, "", 0), cfg, st, ing, nil, nil)
}

func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(EchoHeaderContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

const EchoHeaderContentType = "Content-Type"

func TestCollectStagesItem(t *testing.T) {
	st := newFakeItemStore()
	ing := &fakeIngest{}
	s := testServer(st, ing, nil)

	rec := doRequest(s, http.MethodPost, "/api/collect", `{"UUID":"u1","content":"body"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(ing.reqs) != 1 || ing.reqs[0].UUID != "u1" {
		t.Fatalf("ingest not called: %+v", ing.reqs)
	}
}

func TestCollectDuplicateReturnsOK(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{duplicate: true}, nil)
	rec := doRequest(s, http.MethodPost, "/api/collect", `{"UUID":"u1","content":"body"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res pipeline.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("duplicate flag not set: %+v", res)
	}
}

func TestCollectRejectsUnknownToken(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, []string{"good"})
	rec := doRequest(s, http.MethodPost, "/api/collect", `{"UUID":"u1","token":"bad","content":"body"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCollectAcceptsHeaderToken(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, []string{"good"})
	req := httptest.NewRequest(http.MethodPost, "/api/collect", strings.NewReader(`{"UUID":"u1","content":"body"}`))
	req.Header.Set(EchoHeaderContentType, "application/json")
	req.Header.Set("X-Collector-Token", "good")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCollectRejectsMissingContent(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodPost, "/api/collect", `{"UUID":"u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestManualRate(t *testing.T) {
	st := newFakeItemStore()
	st.items["u1"] = model.Item{UUID: "u1"}
	st.partitions["u1"] = model.PartitionArchived
	s := testServer(st, &fakeIngest{}, nil)

	rec := doRequest(s, http.MethodPost, "/api/manual_rate", `{"uuid":"u1","ratings":{"economic":7.5}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if st.manualRated["u1"]["economic"] != 7.5 {
		t.Fatalf("rating not stored: %v", st.manualRated)
	}
}

func TestManualRateRejectsOffGrid(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodPost, "/api/manual_rate", `{"uuid":"u1","ratings":{"economic":7.3}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestManualRateUnknownItem(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodPost, "/api/manual_rate", `{"uuid":"ghost","ratings":{"economic":7}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetItem(t *testing.T) {
	st := newFakeItemStore()
	st.items["u1"] = model.Item{UUID: "u1", Title: "Hello"}
	st.partitions["u1"] = model.PartitionArchived
	s := testServer(st, &fakeIngest{}, nil)

	rec := doRequest(s, http.MethodGet, "/api/intelligences/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res struct {
		Partition string     `json:"partition"`
		Item      model.Item `json:"item"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Partition != model.PartitionArchived || res.Item.Title != "Hello" {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodGet, "/api/intelligences/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRetryRequiresAuth(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodPost, "/api/manage/intelligences/u1/retry", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRetryWithToken(t *testing.T) {
	st := newFakeItemStore()
	st.items["u1"] = model.Item{UUID: "u1", State: model.StateFailed}
	s := testServer(st, &fakeIngest{}, nil)

	tok, err := signJWT("operator", []byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/manage/intelligences/u1/retry", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(st.retried) != 1 {
		t.Fatalf("retry not recorded")
	}
}

func TestStats(t *testing.T) {
	st := newFakeItemStore()
	st.counts = store.PartitionCounts{Pending: 2, Archived: 5}
	s := testServer(st, &fakeIngest{}, nil)

	rec := doRequest(s, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var counts store.PartitionCounts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Pending != 2 || counts.Archived != 5 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestRSSFeed(t *testing.T) {
	st := newFakeItemStore()
	st.items["u1"] = model.Item{UUID: "u1", Title: "Archived story", Brief: "brief", Taxonomy: "political"}
	st.partitions["u1"] = model.PartitionArchived
	s := testServer(st, &fakeIngest{}, nil)

	rec := doRequest(s, http.MethodGet, "/rssfeed.xml", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<rss") || !strings.Contains(body, "Archived story") {
		t.Fatalf("unexpected feed body: %s", body)
	}
}

func TestSimilaritySearchDisabled(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodGet, "/api/search/similarity?q=test", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := testServer(newFakeItemStore(), &fakeIngest{}, nil)
	rec := doRequest(s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}
