package collector

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/mmcdole/gofeed"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/model"
	"github.com/sleepysoft/intelhub/internal/pipeline"
)

// Submitter accepts collected items for staging. The pipeline ingestor
// satisfies this for in-process staging, the stream submitter for hand-off
// through Redis.
type Submitter interface {
	Ingest(ctx context.Context, req model.CollectRequest) (pipeline.IngestResult, error)
}

// Collector polls configured feeds and submits their articles.
type Collector struct {
	logger  *log.Logger
	submit  Submitter
	cfg     config.CollectorConfig
	static  PageFetcher
	render  PageFetcher
	lastRun map[string]time.Time
}

func New(logger *log.Logger, submit Submitter, cfg config.CollectorConfig) *Collector {
	if logger == nil {
		logger = log.New(log.Writer(), "[COLLECT] ", log.LstdFlags)
	}
	return &Collector{
		logger:  logger,
		submit:  submit,
		cfg:     cfg,
		static:  StaticFetcher{Timeout: cfg.FetchTimeout, MaxChars: cfg.MaxChars},
		render:  RenderFetcher{Timeout: cfg.FetchTimeout, MaxChars: cfg.MaxChars, UserAgent: cfg.UserAgent},
		lastRun: map[string]time.Time{},
	}
}

// Run polls every feed on its cron schedule until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Printf("collector starting with %d feeds", len(c.cfg.Feeds))
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("collector stopping: %v", ctx.Err())
			return nil
		case <-ticker.C:
			for _, feed := range c.cfg.Feeds {
				if !c.due(feed) {
					continue
				}
				c.lastRun[feed.Name] = time.Now()
				if err := c.CollectFeed(ctx, feed); err != nil {
					c.logger.Printf("feed %s: %v", feed.Name, err)
				}
			}
		}
	}
}

func (c *Collector) due(feed config.FeedConfig) bool {
	expr, err := cronexpr.Parse(feed.CronSpec)
	if err != nil {
		c.logger.Printf("feed %s: bad cron spec %q: %v", feed.Name, feed.CronSpec, err)
		return false
	}
	last, ok := c.lastRun[feed.Name]
	if !ok {
		return true
	}
	return !expr.Next(last).After(time.Now())
}

// CollectFeed pulls one feed and submits every entry. Duplicate entries are
// counted, not treated as errors.
func (c *Collector) CollectFeed(ctx context.Context, feed config.FeedConfig) error {
	parser := gofeed.NewParser()
	if c.cfg.UserAgent != "" {
		parser.UserAgent = c.cfg.UserAgent
	}
	parsed, err := parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}

	var staged, duplicates int
	for _, entry := range parsed.Items {
		req, err := c.buildRequest(ctx, feed, entry)
		if err != nil {
			c.logger.Printf("feed %s: entry %q: %v", feed.Name, entry.Link, err)
			continue
		}
		res, err := c.submit.Ingest(ctx, req)
		if err != nil {
			c.logger.Printf("feed %s: submit %q: %v", feed.Name, entry.Link, err)
			continue
		}
		if res.Duplicate {
			duplicates++
		} else {
			staged++
		}
	}
	c.logger.Printf("feed %s: %d staged, %d duplicates of %d entries", feed.Name, staged, duplicates, len(parsed.Items))
	return nil
}

func (c *Collector) buildRequest(ctx context.Context, feed config.FeedConfig, entry *gofeed.Item) (model.CollectRequest, error) {
	content := entry.Content
	if content == "" {
		content = entry.Description
	}
	if entry.Link != "" {
		fetcher := c.static
		if feed.Render {
			fetcher = c.render
		}
		if page, err := fetcher.Fetch(ctx, entry.Link); err == nil && page.Text != "" {
			content = page.Text
		}
	}
	if strings.TrimSpace(content) == "" {
		return model.CollectRequest{}, fmt.Errorf("no content")
	}

	var authors []string
	for _, a := range entry.Authors {
		if a != nil && a.Name != "" {
			authors = append(authors, a.Name)
		}
	}
	pubTime := ""
	if entry.PublishedParsed != nil {
		pubTime = entry.PublishedParsed.Format(time.RFC3339)
	} else if entry.UpdatedParsed != nil {
		pubTime = entry.UpdatedParsed.Format(time.RFC3339)
	}
	return model.CollectRequest{
		UUID:      uuid.NewString(),
		Token:     c.cfg.Token,
		Source:    feed.Name,
		Title:     entry.Title,
		Authors:   authors,
		Content:   content,
		PubTime:   pubTime,
		Informant: entry.Link,
	}, nil
}
