package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sleepysoft/intelhub/internal/model"
)

// Sentinel errors surfaced by the item repository. Callers branch on these to
// translate storage outcomes into HTTP statuses and pipeline decisions.
var (
	// ErrNotFound means no item with the given UUID exists in any partition.
	ErrNotFound = errors.New("item not found")
	// ErrDuplicate means an item with the same UUID is already staged.
	ErrDuplicate = errors.New("item already exists")
	// ErrLeaseLost means a finishing write carried a lease token that no
	// longer owns the row, so the write was not applied.
	ErrLeaseLost = errors.New("lease no longer held")
	// ErrNotRetryable means a retry was requested for an item that is not in
	// the failed state.
	ErrNotRetryable = errors.New("item is not in a retryable state")
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// itemColumns is the canonical column set shared by all three item tables.
const itemColumns = `uuid, fingerprint, informant, title, brief, body, raw, pub_time,
event_times, locations, people, organizations, taxonomy, sub_categories,
rate, impact, tips, attempts, appendix`

func tableFor(partition string) (string, error) {
	switch partition {
	case model.PartitionCached:
		return "items_cached", nil
	case model.PartitionArchived:
		return "items_archived", nil
	case model.PartitionLowValue:
		return "items_low_value", nil
	default:
		return "", fmt.Errorf("unknown partition %q", partition)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(sc rowScanner, state string) (model.Item, error) {
	var (
		it       model.Item
		pubTime  sql.NullTime
		rateJSON []byte
		appJSON  []byte
	)
	err := sc.Scan(
		&it.UUID, &it.Fingerprint, &it.Informant, &it.Title, &it.Brief, &it.Text, &it.Raw, &pubTime,
		pq.Array(&it.EventTimes), pq.Array(&it.Locations), pq.Array(&it.People), pq.Array(&it.Organizations),
		&it.Taxonomy, pq.Array(&it.SubCategories),
		&rateJSON, &it.Impact, &it.Tips, &it.Attempts, &appJSON,
	)
	if err != nil {
		return model.Item{}, err
	}
	if pubTime.Valid {
		it.PubTime = pubTime.Time
	}
	if len(rateJSON) > 0 {
		if err := json.Unmarshal(rateJSON, &it.Rate); err != nil {
			return model.Item{}, fmt.Errorf("decode rate: %w", err)
		}
	}
	if len(appJSON) > 0 {
		if err := json.Unmarshal(appJSON, &it.Appendix); err != nil {
			return model.Item{}, fmt.Errorf("decode appendix: %w", err)
		}
	}
	it.State = state
	return it, nil
}

func marshalDoc(it model.Item) (rateJSON, appJSON []byte, err error) {
	rateJSON, err = json.Marshal(orEmptyRate(it.Rate))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rate: %w", err)
	}
	appJSON, err = json.Marshal(it.Appendix)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal appendix: %w", err)
	}
	return rateJSON, appJSON, nil
}

func orEmptyRate(r map[string]float64) map[string]float64 {
	if r == nil {
		return map[string]float64{}
	}
	return r
}

func nullablePubTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// InsertPending stages a freshly ingested item in the pending state.
// A UUID collision reports ErrDuplicate.
func (s *Store) InsertPending(ctx context.Context, it model.Item) error {
	rateJSON, appJSON, err := marshalDoc(it)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO items_cached (`+itemColumns+`, state, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,NOW(),NOW())
`, it.UUID, it.Fingerprint, it.Informant, it.Title, it.Brief, it.Text, it.Raw, nullablePubTime(it.PubTime),
		pq.Array(it.EventTimes), pq.Array(it.Locations), pq.Array(it.People), pq.Array(it.Organizations),
		it.Taxonomy, pq.Array(it.SubCategories),
		rateJSON, it.Impact, it.Tips, it.Attempts, appJSON, model.StatePending)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert pending item: %w", err)
	}
	return nil
}

// ClaimNext atomically moves the oldest claimable item to analyzing and stamps
// it with the worker's lease. Claimable means pending, or failed with attempts
// still below maxAttempts. The second return reports whether a row was won.
func (s *Store) ClaimNext(ctx context.Context, leaseToken string, lease time.Duration, maxAttempts int) (model.Item, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE items_cached SET
  state = $1,
  lease_token = $2,
  lease_expires_at = NOW() + make_interval(secs => $3),
  attempts = attempts + 1,
  updated_at = NOW()
WHERE uuid = (
  SELECT uuid FROM items_cached
  WHERE state = $4 OR (state = $5 AND attempts < $6)
  ORDER BY created_at
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING `+itemColumns+`, attempts
`, model.StateAnalyzing, leaseToken, lease.Seconds(), model.StatePending, model.StateFailed, maxAttempts)
	it, err := scanClaimed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, false, nil
		}
		return model.Item{}, false, fmt.Errorf("claim next item: %w", err)
	}
	return it, true, nil
}

// Claim attempts to take a lease on one specific item. Only a pending item, or
// a failed one with attempts remaining, can be claimed; losing the race
// returns false without error.
func (s *Store) Claim(ctx context.Context, uuid, leaseToken string, lease time.Duration, maxAttempts int) (model.Item, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE items_cached SET
  state = $1,
  lease_token = $2,
  lease_expires_at = NOW() + make_interval(secs => $3),
  attempts = attempts + 1,
  updated_at = NOW()
WHERE uuid = $4 AND (state = $5 OR (state = $6 AND attempts < $7))
RETURNING `+itemColumns+`, attempts
`, model.StateAnalyzing, leaseToken, lease.Seconds(), uuid, model.StatePending, model.StateFailed, maxAttempts)
	it, err := scanClaimed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, false, nil
		}
		return model.Item{}, false, fmt.Errorf("claim item %s: %w", uuid, err)
	}
	return it, true, nil
}

func scanClaimed(row *sql.Row) (model.Item, error) {
	var (
		it       model.Item
		pubTime  sql.NullTime
		rateJSON []byte
		appJSON  []byte
		attempts int
	)
	err := row.Scan(
		&it.UUID, &it.Fingerprint, &it.Informant, &it.Title, &it.Brief, &it.Text, &it.Raw, &pubTime,
		pq.Array(&it.EventTimes), pq.Array(&it.Locations), pq.Array(&it.People), pq.Array(&it.Organizations),
		&it.Taxonomy, pq.Array(&it.SubCategories),
		&rateJSON, &it.Impact, &it.Tips, &it.Attempts, &appJSON,
		&attempts,
	)
	if err != nil {
		return model.Item{}, err
	}
	if pubTime.Valid {
		it.PubTime = pubTime.Time
	}
	if len(rateJSON) > 0 {
		if err := json.Unmarshal(rateJSON, &it.Rate); err != nil {
			return model.Item{}, fmt.Errorf("decode rate: %w", err)
		}
	}
	if len(appJSON) > 0 {
		if err := json.Unmarshal(appJSON, &it.Appendix); err != nil {
			return model.Item{}, fmt.Errorf("decode appendix: %w", err)
		}
	}
	it.State = model.StateAnalyzing
	it.Attempts = attempts
	return it, nil
}

// MarkFailed records a failed attempt and releases the lease. The write only
// applies while the lease token still owns the row.
func (s *Store) MarkFailed(ctx context.Context, uuid, leaseToken string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE items_cached SET
  state = $1,
  lease_token = NULL,
  lease_expires_at = NULL,
  updated_at = NOW()
WHERE uuid = $2 AND lease_token = $3 AND state = $4
`, model.StateFailed, uuid, leaseToken, model.StateAnalyzing)
	if err != nil {
		return fmt.Errorf("mark item %s failed: %w", uuid, err)
	}
	return requireLease(res)
}

// ReleasePending returns a leased item to the pending state without consuming
// an attempt, used when the worker shut down mid-flight.
func (s *Store) ReleasePending(ctx context.Context, uuid, leaseToken string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE items_cached SET
  state = $1,
  attempts = attempts - 1,
  lease_token = NULL,
  lease_expires_at = NULL,
  updated_at = NOW()
WHERE uuid = $2 AND lease_token = $3 AND state = $4
`, model.StatePending, uuid, leaseToken, model.StateAnalyzing)
	if err != nil {
		return fmt.Errorf("release item %s: %w", uuid, err)
	}
	return requireLease(res)
}

func requireLease(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReapExpiredLeases sweeps analyzing rows whose lease lapsed: items with
// attempts remaining go back to pending, exhausted ones become failed.
func (s *Store) ReapExpiredLeases(ctx context.Context, maxAttempts int) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE items_cached SET
  state = CASE WHEN attempts >= $1 THEN $2 ELSE $3 END,
  lease_token = NULL,
  lease_expires_at = NULL,
  updated_at = NOW()
WHERE state = $4 AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW()
`, maxAttempts, model.StateFailed, model.StatePending, model.StateAnalyzing)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// FinishArchive moves an analyzed item out of the staging table into the
// destination partition in one transaction. The staging delete is conditional
// on the lease token; losing it aborts with ErrLeaseLost and no partial write.
func (s *Store) FinishArchive(ctx context.Context, it model.Item, leaseToken, partition string) (err error) {
	table, err := tableFor(partition)
	if err != nil {
		return err
	}
	if table == "items_cached" {
		return fmt.Errorf("cannot finish into the staging partition")
	}
	rateJSON, appJSON, err := marshalDoc(it)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `
DELETE FROM items_cached WHERE uuid = $1 AND lease_token = $2 AND state = $3
`, it.UUID, leaseToken, model.StateAnalyzing)
	if err != nil {
		return fmt.Errorf("remove staged item %s: %w", it.UUID, err)
	}
	if err = requireLease(res); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO `+table+` (`+itemColumns+`, archived_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NOW())
`, it.UUID, it.Fingerprint, it.Informant, it.Title, it.Brief, it.Text, it.Raw, nullablePubTime(it.PubTime),
		pq.Array(it.EventTimes), pq.Array(it.Locations), pq.Array(it.People), pq.Array(it.Organizations),
		it.Taxonomy, pq.Array(it.SubCategories),
		rateJSON, it.Impact, it.Tips, it.Attempts, appJSON)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// RetryFailed resets a failed item to pending with a fresh attempt budget.
func (s *Store) RetryFailed(ctx context.Context, uuid string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE items_cached SET
  state = $1,
  attempts = 0,
  lease_token = NULL,
  lease_expires_at = NULL,
  updated_at = NOW()
WHERE uuid = $2 AND state = $3
`, model.StatePending, uuid, model.StateFailed)
	if err != nil {
		return fmt.Errorf("retry item %s: %w", uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotRetryable
	}
	return nil
}

// GetItem looks an item up by UUID across the partitions, terminal stores
// first since reads are dominated by archived content.
func (s *Store) GetItem(ctx context.Context, uuid string) (model.Item, string, error) {
	for _, p := range []struct {
		partition string
		state     string
	}{
		{model.PartitionArchived, model.StateArchived},
		{model.PartitionLowValue, model.StateLowValue},
	} {
		table, _ := tableFor(p.partition)
		row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM `+table+` WHERE uuid = $1`, uuid)
		it, err := scanItem(row, p.state)
		if err == nil {
			return it, p.partition, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, "", fmt.Errorf("get item %s: %w", uuid, err)
		}
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+`, state FROM items_cached WHERE uuid = $1`, uuid)
	it, err := scanCachedWithState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, "", ErrNotFound
		}
		return model.Item{}, "", fmt.Errorf("get item %s: %w", uuid, err)
	}
	return it, model.PartitionCached, nil
}

func scanCachedWithState(row rowScanner) (model.Item, error) {
	var (
		it       model.Item
		pubTime  sql.NullTime
		rateJSON []byte
		appJSON  []byte
		state    string
	)
	err := row.Scan(
		&it.UUID, &it.Fingerprint, &it.Informant, &it.Title, &it.Brief, &it.Text, &it.Raw, &pubTime,
		pq.Array(&it.EventTimes), pq.Array(&it.Locations), pq.Array(&it.People), pq.Array(&it.Organizations),
		&it.Taxonomy, pq.Array(&it.SubCategories),
		&rateJSON, &it.Impact, &it.Tips, &it.Attempts, &appJSON,
		&state,
	)
	if err != nil {
		return model.Item{}, err
	}
	if pubTime.Valid {
		it.PubTime = pubTime.Time
	}
	if len(rateJSON) > 0 {
		if err := json.Unmarshal(rateJSON, &it.Rate); err != nil {
			return model.Item{}, fmt.Errorf("decode rate: %w", err)
		}
	}
	if len(appJSON) > 0 {
		if err := json.Unmarshal(appJSON, &it.Appendix); err != nil {
			return model.Item{}, fmt.Errorf("decode appendix: %w", err)
		}
	}
	it.State = state
	return it, nil
}

// SetManualRate overlays operator corrections onto an archived item's
// appendix. The AI rating map on the item itself stays untouched; repeated
// submissions merge per dimension with the latest value winning.
func (s *Store) SetManualRate(ctx context.Context, uuid string, ratings map[string]float64) error {
	if err := model.ValidateManualRate(ratings); err != nil {
		return err
	}
	patch, err := json.Marshal(ratings)
	if err != nil {
		return fmt.Errorf("marshal manual ratings: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE items_archived SET
  appendix = jsonb_set(appendix, '{manual_rate}', COALESCE(appendix->'manual_rate', '{}'::jsonb) || $2::jsonb)
WHERE uuid = $1
`, uuid, patch)
	if err != nil {
		return fmt.Errorf("set manual rate for %s: %w", uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PartitionCounts reports row counts per state for the staging table plus the
// sizes of the two terminal partitions.
type PartitionCounts struct {
	Pending   int `json:"pending"`
	Analyzing int `json:"analyzing"`
	Failed    int `json:"failed"`
	Archived  int `json:"archived"`
	LowValue  int `json:"low_value"`
}

func (s *Store) Stats(ctx context.Context) (PartitionCounts, error) {
	var c PartitionCounts
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM items_cached GROUP BY state`)
	if err != nil {
		return c, fmt.Errorf("count staged items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return c, err
		}
		switch state {
		case model.StatePending:
			c.Pending = n
		case model.StateAnalyzing:
			c.Analyzing = n
		case model.StateFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM items_archived`).Scan(&c.Archived); err != nil {
		return c, fmt.Errorf("count archived items: %w", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM items_low_value`).Scan(&c.LowValue); err != nil {
		return c, fmt.Errorf("count low value items: %w", err)
	}
	return c, nil
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}
