package server

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/store"
	"github.com/sleepysoft/intelhub/internal/transfer"
)

type manualRateRequest struct {
	UUID    string             `json:"uuid"`
	Ratings map[string]float64 `json:"ratings"`
}

type queryResponse struct {
	Items  []model.Item `json:"items"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// collect accepts one intelligence submission from a collector.
func (s *Server) collect(c echo.Context) error {
	var req model.CollectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == "" {
		req.Token = c.Request().Header.Get("X-Collector-Token")
	}
	if !s.tokenAllowed(req.Token) {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown collector token")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := s.ingest.Ingest(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (s *Server) tokenAllowed(token string) bool {
	allowed := s.cfg.Server.CollectorTokens
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if token == t {
			return true
		}
	}
	return false
}

// manualRate overlays operator corrections onto an archived item.
func (s *Server) manualRate(c echo.Context) error {
	var req manualRateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.UUID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uuid is required")
	}
	if err := model.ValidateManualRate(req.Ratings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.SetManualRate(c.Request().Context(), req.UUID, req.Ratings); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "item not found in the archive")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// queryItems filters the archive. A keyword parameter narrows results via the
// in-memory keyword index before the structured filters apply.
func (s *Server) queryItems(c echo.Context) error {
	f := store.Filter{
		Locations:     splitParam(c.QueryParam("locations")),
		People:        splitParam(c.QueryParam("peoples")),
		Organizations: splitParam(c.QueryParam("organizations")),
		Offset:        intParam(c, "offset", 0),
		Limit:         intParam(c, "limit", 50),
	}
	var err error
	if f.PeriodBegin, err = timeParam(c.QueryParam("period_begin")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad period_begin")
	}
	if f.PeriodEnd, err = timeParam(c.QueryParam("period_end")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad period_end")
	}

	if kw := strings.TrimSpace(c.QueryParam("keyword")); kw != "" {
		if s.keyword == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "keyword search not enabled")
		}
		hits, err := s.keyword.Search(kw, 200)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if len(hits) == 0 {
			return c.JSON(http.StatusOK, queryResponse{Items: []model.Item{}, Offset: f.Offset, Limit: f.Limit})
		}
		for _, h := range hits {
			f.UUIDs = append(f.UUIDs, h.UUID)
		}
	}

	items, total, err := s.store.QueryArchived(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []model.Item{}
	}
	return c.JSON(http.StatusOK, queryResponse{Items: items, Total: total, Offset: f.Offset, Limit: f.Limit})
}

func (s *Server) getItem(c echo.Context) error {
	it, partition, err := s.store.GetItem(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "item not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"partition": partition, "item": it})
}

func (s *Server) retryItem(c echo.Context) error {
	if err := s.store.RetryFailed(c.Request().Context(), c.Param("uuid")); err != nil {
		if errors.Is(err, store.ErrNotRetryable) {
			return echo.NewHTTPError(http.StatusConflict, "item is not in a retryable state")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// similarItems answers reference-seeded similarity search.
func (s *Server) similarItems(c echo.Context) error {
	if s.similar == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "similarity search not enabled")
	}
	hits, err := s.similar.SearchSimilar(c.Request().Context(), c.Param("uuid"),
		c.QueryParam("kind"), intParam(c, "top_k", 0), floatParam(c, "threshold", 0))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []store.SimilarityHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}

// searchSimilarity answers text-seeded similarity search.
func (s *Server) searchSimilarity(c echo.Context) error {
	if s.similar == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "similarity search not enabled")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := s.similar.SearchText(c.Request().Context(), q,
		c.QueryParam("kind"), intParam(c, "top_k", 0), floatParam(c, "threshold", 0))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []store.SimilarityHit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) searchKeyword(c echo.Context) error {
	if s.keyword == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "keyword search not enabled")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := s.keyword.Search(q, intParam(c, "top_k", 20))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) stats(c echo.Context) error {
	counts, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, counts)
}

func (s *Server) exportPartition(c echo.Context) error {
	partition := c.Param("partition")
	format := c.QueryParam("format")
	if format == "" {
		format = transfer.FormatNDJSON
	}
	contentType := "application/x-ndjson"
	if format == transfer.FormatJSON {
		contentType = "application/json"
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().WriteHeader(http.StatusOK)
	_, err := transfer.Export(c.Request().Context(), s.store, partition, format, c.Response())
	return err
}

func (s *Server) importPartition(c echo.Context) error {
	stats, err := transfer.Import(c.Request().Context(), s.store, c.Param("partition"), c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"imported": stats.Imported, "skipped": stats.Skipped})
}

// RSS types for the archive feed surface.
type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link,omitempty"`
	Description string `xml:"description"`
	Category    string `xml:"category,omitempty"`
	PubDate     string `xml:"pubDate,omitempty"`
	GUID        string `xml:"guid"`
}

// rssFeed exposes the newest archived items as RSS.
func (s *Server) rssFeed(c echo.Context) error {
	items, err := s.store.RecentArchived(c.Request().Context(), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	doc := rssDoc{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "IntelHub Archive",
			Link:        "/rssfeed.xml",
			Description: "Newest archived intelligence items",
		},
	}
	for _, it := range items {
		entry := rssItem{
			Title:       it.Title,
			Link:        it.Informant,
			Description: it.Brief,
			Category:    it.Taxonomy,
			GUID:        it.UUID,
		}
		if it.Appendix.TimeArchived != nil {
			entry.PubDate = it.Appendix.TimeArchived.Format(time.RFC1123Z)
		}
		doc.Channel.Items = append(doc.Channel.Items, entry)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/rss+xml", append([]byte(xml.Header), out...))
}

func splitParam(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intParam(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func floatParam(c echo.Context, name string, def float64) float64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func timeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unparsable time")
}
