package collector

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

// Page is the readable content extracted from one article URL.
type Page struct {
	URL    string
	Title  string
	Byline string
	Text   string
}

// PageFetcher pulls an article body from the web.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// StaticFetcher fetches the page over plain HTTP and runs readability on the
// raw document. Good enough for server rendered sites.
type StaticFetcher struct {
	Timeout  time.Duration
	MaxChars int
}

func (f StaticFetcher) Fetch(ctx context.Context, pageURL string) (Page, error) {
	if strings.TrimSpace(pageURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	article, err := readability.FromURL(pageURL, timeout)
	if err != nil {
		return Page{}, err
	}
	return pageFromArticle(pageURL, article, f.MaxChars), nil
}

// RenderFetcher drives a headless browser before extraction, for pages that
// only materialize after script execution.
type RenderFetcher struct {
	Timeout   time.Duration
	MaxChars  int
	UserAgent string
}

func (f RenderFetcher) Fetch(ctx context.Context, pageURL string) (Page, error) {
	if strings.TrimSpace(pageURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	html, err := f.renderHTML(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(pageURL))
	if err != nil {
		return Page{}, err
	}
	return pageFromArticle(pageURL, article, f.MaxChars), nil
}

func (f RenderFetcher) renderHTML(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	if f.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.UserAgent))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func pageFromArticle(pageURL string, article readability.Article, maxChars int) Page {
	text := strings.TrimSpace(article.TextContent)
	if maxChars > 0 && len(text) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return Page{
		URL:    pageURL,
		Title:  strings.TrimSpace(article.Title),
		Byline: strings.TrimSpace(article.Byline),
		Text:   text,
	}
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
