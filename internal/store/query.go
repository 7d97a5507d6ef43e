package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sleepysoft/intelhub/internal/model"
)

// Filter selects archived items. Entity filters match when the item carries
// any of the requested values; a zero Period bound leaves that side open.
type Filter struct {
	PeriodBegin   time.Time
	PeriodEnd     time.Time
	Locations     []string
	People        []string
	Organizations []string
	UUIDs         []string

	Offset int
	Limit  int
}

// QueryArchived returns the matching page ordered newest first, plus the total
// match count for pagination.
func (s *Store) QueryArchived(ctx context.Context, f Filter) ([]model.Item, int, error) {
	where, args := f.build()
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM items_archived`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count archived query: %w", err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := `SELECT ` + itemColumns + ` FROM items_archived` + where +
		fmt.Sprintf(` ORDER BY archived_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query archived items: %w", err)
	}
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows, model.StateArchived)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (f Filter) build() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if !f.PeriodBegin.IsZero() {
		add("pub_time >= ?", f.PeriodBegin)
	}
	if !f.PeriodEnd.IsZero() {
		add("pub_time <= ?", f.PeriodEnd)
	}
	if len(f.Locations) > 0 {
		add("locations && ?", pq.Array(f.Locations))
	}
	if len(f.People) > 0 {
		add("people && ?", pq.Array(f.People))
	}
	if len(f.Organizations) > 0 {
		add("organizations && ?", pq.Array(f.Organizations))
	}
	if len(f.UUIDs) > 0 {
		add("uuid = ANY(?)", pq.Array(f.UUIDs))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// RecentArchived returns the newest archived items, used by the feed surface.
func (s *Store) RecentArchived(ctx context.Context, limit int) ([]model.Item, error) {
	items, _, err := s.QueryArchived(ctx, Filter{Limit: limit})
	return items, err
}

// ListPartition streams every item in a partition in insertion order, calling
// fn per item. Used by export and reindexing.
func (s *Store) ListPartition(ctx context.Context, partition string, fn func(model.Item) error) error {
	table, err := tableFor(partition)
	if err != nil {
		return err
	}
	state := model.StateArchived
	order := "archived_at"
	switch partition {
	case model.PartitionLowValue:
		state = model.StateLowValue
	case model.PartitionCached:
		order = "created_at"
	}
	var rows *sql.Rows
	if partition == model.PartitionCached {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+itemColumns+`, state FROM items_cached ORDER BY created_at`)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM `+table+` ORDER BY `+order)
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it model.Item
		if partition == model.PartitionCached {
			it, err = scanCachedWithState(rows)
		} else {
			it, err = scanItem(rows, state)
		}
		if err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ImportItem writes an exported item into its partition, skipping rows whose
// UUID already exists.
func (s *Store) ImportItem(ctx context.Context, partition string, it model.Item) (bool, error) {
	table, err := tableFor(partition)
	if err != nil {
		return false, err
	}
	rateJSON, appJSON, err := marshalDoc(it)
	if err != nil {
		return false, err
	}
	var res sql.Result
	if partition == model.PartitionCached {
		state := it.State
		if state == "" || state == model.StateAnalyzing {
			state = model.StatePending
		}
		res, err = s.DB.ExecContext(ctx, `
INSERT INTO items_cached (`+itemColumns+`, state, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,NOW(),NOW())
ON CONFLICT (uuid) DO NOTHING
`, it.UUID, it.Fingerprint, it.Informant, it.Title, it.Brief, it.Text, it.Raw, nullablePubTime(it.PubTime),
			pq.Array(it.EventTimes), pq.Array(it.Locations), pq.Array(it.People), pq.Array(it.Organizations),
			it.Taxonomy, pq.Array(it.SubCategories),
			rateJSON, it.Impact, it.Tips, it.Attempts, appJSON, state)
	} else {
		archivedAt := time.Now()
		if it.Appendix.TimeArchived != nil {
			archivedAt = *it.Appendix.TimeArchived
		}
		res, err = s.DB.ExecContext(ctx, `
INSERT INTO `+table+` (`+itemColumns+`, archived_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (uuid) DO NOTHING
`, it.UUID, it.Fingerprint, it.Informant, it.Title, it.Brief, it.Text, it.Raw, nullablePubTime(it.PubTime),
			pq.Array(it.EventTimes), pq.Array(it.Locations), pq.Array(it.People), pq.Array(it.Organizations),
			it.Taxonomy, pq.Array(it.SubCategories),
			rateJSON, it.Impact, it.Tips, it.Attempts, appJSON, archivedAt)
	}
	if err != nil {
		return false, fmt.Errorf("import into %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
