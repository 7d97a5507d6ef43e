package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sleepysoft/intelhub/internal/model"
)

func TestFilterBuild(t *testing.T) {
	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Filter{
		PeriodBegin: begin,
		Locations:   []string{"Paris", "Lyon"},
		UUIDs:       []string{"u1"},
	}
	where, args := f.build()
	want := " WHERE pub_time >= $1 AND locations && $2 AND uuid = ANY($3)"
	if where != want {
		t.Fatalf("where = %q, want %q", where, want)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
}

func TestFilterBuildEmpty(t *testing.T) {
	where, args := Filter{}.build()
	if where != "" || args != nil {
		t.Fatalf("empty filter should produce no clause, got %q", where)
	}
}

func TestQueryArchivedPaginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM items_archived`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	itemRows := sqlmock.NewRows([]string{
		"uuid", "fingerprint", "informant", "title", "brief", "body", "raw", "pub_time",
		"event_times", "locations", "people", "organizations", "taxonomy", "sub_categories",
		"rate", "impact", "tips", "attempts", "appendix",
	}).AddRow(
		"uuid-9", "fp", "", "Title", "Brief", "Body", "", time.Now(),
		[]byte("{}"), []byte("{}"), []byte("{}"), []byte("{}"), "politics", []byte("{}"),
		[]byte(`{"economic":8}`), "", "", 1, []byte(`{"time_got":"2026-01-02T03:04:05Z","max_rate_class":"economic","max_rate_score":8}`),
	)
	mock.ExpectQuery(`FROM items_archived ORDER BY archived_at DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(2, 4).
		WillReturnRows(itemRows)

	items, total, err := st.QueryArchived(context.Background(), Filter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("QueryArchived: %v", err)
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if len(items) != 1 || items[0].UUID != "uuid-9" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if items[0].State != model.StateArchived {
		t.Fatalf("state = %q", items[0].State)
	}
	if items[0].Rate["economic"] != 8 {
		t.Fatalf("rate not decoded: %v", items[0].Rate)
	}
	if items[0].Appendix.MaxRateClass != "economic" {
		t.Fatalf("appendix not decoded: %+v", items[0].Appendix)
	}
}
