// Package fingerprint implements the content-addressed dedup index that keeps
// the pipeline from processing the same item twice.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Outcome of a register attempt.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
)

// trackingParams are query parameters stripped during URL canonicalization;
// they vary per syndication channel without changing the referenced story.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "fbclid": {}, "gclid": {}, "ref": {},
}

// Compute derives the dedup fingerprint for an incoming item. Items carrying
// a source URL are keyed by the canonicalized URL; items without one fall
// back to a hash of the normalized content.
func Compute(informant, content string) string {
	if canonical := CanonicalizeURL(informant); canonical != "" {
		return hashString("url:" + canonical)
	}
	return hashString("content:" + normalizeContent(content))
}

// CanonicalizeURL lowercases scheme and host, strips fragments, default
// ports, trailing slashes and tracking query parameters, and sorts the
// remaining query for a stable key. Returns "" for unusable input.
func CanonicalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	q := u.Query()
	for param := range q {
		if _, ok := trackingParams[strings.ToLower(param)]; ok {
			q.Del(param)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var rebuilt url.Values = url.Values{}
	for _, k := range keys {
		for _, v := range q[k] {
			rebuilt.Add(k, v)
		}
	}
	u.RawQuery = rebuilt.Encode()
	return u.String()
}

func normalizeContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Store is the dedup index. Postgres is the source of truth; when a Redis
// client is supplied its keyspace mirrors the index as a fast existence path.
type Store struct {
	DB  *sql.DB
	RDB *redis.Client
}

// NewStore builds a fingerprint store. rdb may be nil.
func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{DB: db, RDB: rdb}
}

func redisKey(fp string) string { return "intelhub:fp:" + fp }

// Exists reports whether the fingerprint has been registered.
func (s *Store) Exists(ctx context.Context, fp string) (bool, error) {
	if s.RDB != nil {
		n, err := s.RDB.Exists(ctx, redisKey(fp)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		// fall through to Postgres on miss or Redis error
	}
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM fingerprints WHERE fingerprint=$1`, fp).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case err == sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("fingerprint lookup: %w", err)
	}
}

// RegisterIfAbsent atomically claims the fingerprint for the given item UUID.
// Exactly one concurrent caller observes OutcomeCreated; everyone else gets
// OutcomeDuplicate and must discard the incoming item.
func (s *Store) RegisterIfAbsent(ctx context.Context, fp, itemUUID string) (string, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO fingerprints (fingerprint, item_uuid, created_at)
VALUES ($1,$2,NOW())
ON CONFLICT (fingerprint) DO NOTHING
`, fp, itemUUID)
	if err != nil {
		return "", fmt.Errorf("fingerprint register: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("fingerprint register: %w", err)
	}
	if n == 0 {
		return OutcomeDuplicate, nil
	}
	if s.RDB != nil {
		// Best-effort mirror; Postgres already holds the record.
		_ = s.RDB.Set(ctx, redisKey(fp), itemUUID, 0).Err()
	}
	return OutcomeCreated, nil
}
