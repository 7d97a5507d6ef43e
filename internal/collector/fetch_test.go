package collector

import (
	"strings"
	"testing"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

func TestPageTruncationKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; an 11-byte limit would land mid-rune.
	text := strings.Repeat("é", 10)
	article := readability.Article{Title: "t", TextContent: text}

	page := pageFromArticle("https://example.com/a", article, 11)
	if !utf8.ValidString(page.Text) {
		t.Fatalf("truncated text is not valid UTF-8: %q", page.Text)
	}
	if got := len(page.Text); got != 10 {
		t.Fatalf("expected cut on the preceding rune boundary, got %d bytes", got)
	}
}

func TestPageTruncationNoopUnderLimit(t *testing.T) {
	article := readability.Article{TextContent: "short"}
	page := pageFromArticle("https://example.com/a", article, 100)
	if page.Text != "short" {
		t.Fatalf("text altered: %q", page.Text)
	}
}
