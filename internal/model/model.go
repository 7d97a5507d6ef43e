package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Lifecycle states for an intelligence item. Pending items wait for a worker
// claim, analyzing items hold a live lease, archived and low_value are
// terminal, failed items wait for a retry or operator action.
const (
	StatePending   = "pending"
	StateAnalyzing = "analyzing"
	StateArchived  = "archived"
	StateLowValue  = "low_value"
	StateFailed    = "failed"
)

// Storage partitions. Cached holds every non-terminal item; the other two are
// the terminal stores selected by the threshold router.
const (
	PartitionCached   = "cached"
	PartitionArchived = "archived"
	PartitionLowValue = "low_value"
)

// RateMin and RateMax bound every rating dimension, AI-produced or manual.
const (
	RateMin = 0.0
	RateMax = 10.0
)

// Item is the canonical intelligence record flowing through the pipeline.
// Identity is the UUID assigned at ingestion; the fingerprint guards against
// reprocessing the same source twice.
type Item struct {
	UUID        string `json:"uuid"`
	Fingerprint string `json:"fingerprint"`
	Informant   string `json:"informant"`

	Title   string    `json:"title"`
	Brief   string    `json:"brief"`
	Text    string    `json:"text"`
	Raw     string    `json:"raw,omitempty"`
	PubTime time.Time `json:"pub_time"`

	EventTimes    []string `json:"event_times"`
	Locations     []string `json:"locations"`
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`

	Taxonomy      string             `json:"taxonomy"`
	SubCategories []string           `json:"sub_categories"`
	Rate          map[string]float64 `json:"rate"`
	Impact        string             `json:"impact"`
	Tips          string             `json:"tips"`

	State    string   `json:"state"`
	Attempts int      `json:"attempts"`
	Appendix Appendix `json:"appendix"`
}

// Appendix is system-managed metadata attached to every item. The AI rating
// map on the item itself is immutable once written; manual corrections live
// here instead.
type Appendix struct {
	TimeGot      time.Time  `json:"time_got"`
	TimePost     *time.Time `json:"time_post,omitempty"`
	TimeDone     *time.Time `json:"time_done,omitempty"`
	TimeArchived *time.Time `json:"time_archived,omitempty"`

	MaxRateClass string  `json:"max_rate_class,omitempty"`
	MaxRateScore float64 `json:"max_rate_score"`

	AIProvider    string `json:"ai_provider,omitempty"`
	AIModel       string `json:"ai_model,omitempty"`
	PromptVersion string `json:"prompt_version,omitempty"`

	ManualRate map[string]float64 `json:"manual_rate,omitempty"`

	// Prompt carries per-item analysis instructions supplied at collection.
	Prompt string `json:"prompt,omitempty"`

	// Similarity is filled per search query and never persisted.
	Similarity float64 `json:"similarity,omitempty"`
}

// MaxRate returns the dimension and value of the highest rating. Dimensions
// named in exclude (e.g. a model self-check score) do not participate.
func MaxRate(rate map[string]float64, exclude ...string) (string, float64) {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	var (
		bestClass string
		bestScore float64
		found     bool
	)
	for class, score := range rate {
		if _, ok := skip[class]; ok {
			continue
		}
		if !found || score > bestScore || (score == bestScore && class < bestClass) {
			bestClass, bestScore, found = class, score, true
		}
	}
	if !found {
		return "", 0
	}
	return bestClass, bestScore
}

// ValidateRate checks an AI-produced rating map: every value must lie in
// [RateMin, RateMax].
func ValidateRate(rate map[string]float64) error {
	for class, score := range rate {
		if score < RateMin || score > RateMax {
			return fmt.Errorf("rating %q out of range: %g", class, score)
		}
	}
	return nil
}

// ValidateManualRate checks an operator rating submission. Values must lie in
// [0,10] on a half-point grid; any violation rejects the whole submission.
func ValidateManualRate(ratings map[string]float64) error {
	if len(ratings) == 0 {
		return fmt.Errorf("no ratings supplied")
	}
	for class, score := range ratings {
		if strings.TrimSpace(class) == "" {
			return fmt.Errorf("empty rating dimension")
		}
		if score < RateMin || score > RateMax {
			return fmt.Errorf("manual rating %q out of range: %g", class, score)
		}
		if r := math.Mod(score*2, 1); math.Abs(r) > 1e-9 && math.Abs(r-1) > 1e-9 {
			return fmt.Errorf("manual rating %q not on 0.5 grid: %g", class, score)
		}
	}
	return nil
}

// CollectRequest is the ingestion payload supplied by collectors.
type CollectRequest struct {
	UUID      string   `json:"UUID"`
	Token     string   `json:"token"`
	Source    string   `json:"source,omitempty"`
	Title     string   `json:"title,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Content   string   `json:"content"`
	PubTime   string   `json:"pub_time,omitempty"`
	Informant string   `json:"informant,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
}

// Validate enforces the mandatory collect fields.
func (r CollectRequest) Validate() error {
	if strings.TrimSpace(r.UUID) == "" {
		return fmt.Errorf("UUID is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

// ItemFromCollect builds a pending item out of an accepted collect request.
func ItemFromCollect(req CollectRequest, fp string, now time.Time) Item {
	informant := strings.TrimSpace(req.Informant)
	if informant == "" {
		informant = strings.TrimSpace(req.Source)
	}
	return Item{
		UUID:        req.UUID,
		Fingerprint: fp,
		Informant:   informant,
		Title:       req.Title,
		Raw:         req.Content,
		PubTime:     req.ParsePubTime(),
		State:       StatePending,
		Appendix: Appendix{
			TimeGot: now,
			Prompt:  req.Prompt,
		},
	}
}

// ParsePubTime interprets the loosely-typed publish time collectors send.
// Returns the zero time when the value is absent or unparseable.
func (r CollectRequest) ParsePubTime() time.Time {
	raw := strings.TrimSpace(r.PubTime)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
