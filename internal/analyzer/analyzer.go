package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sleepysoft/intelhub/internal/model"
)

// PromptVersion is stamped into each item's appendix so results can be traced
// back to the instructions that produced them.
const PromptVersion = "v1"

// AnalysisResult is the structured output the model must return for one item.
type AnalysisResult struct {
	EventTimes    []string           `json:"event_times"`
	Locations     []string           `json:"locations"`
	People        []string           `json:"people"`
	Organizations []string           `json:"organizations"`
	Title         string             `json:"title"`
	Brief         string             `json:"brief"`
	Text          string             `json:"text"`
	Taxonomy      string             `json:"taxonomy"`
	SubCategories []string           `json:"sub_categories"`
	Rate          map[string]float64 `json:"rate"`
	Impact        string             `json:"impact"`
	Tips          string             `json:"tips"`
}

// ParseError reports a model response that could not be turned into a valid
// AnalysisResult. The raw response is kept for diagnostics.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("analysis response invalid: %s", e.Reason)
}

// Analyzer turns raw intelligence text into a structured classification by
// prompting a completion model.
type Analyzer struct {
	client   *Client
	provider string
}

// New creates an Analyzer on top of the given API client.
func New(client *Client, provider string) *Analyzer {
	return &Analyzer{client: client, provider: provider}
}

// Provider reports the configured provider label for appendix stamping.
func (a *Analyzer) Provider() string { return a.provider }

// Model reports the completion model in use.
func (a *Analyzer) Model() string { return a.client.CompletionModel() }

// Analyze classifies one item. Content that cannot be parsed or fails
// validation returns a *ParseError.
func (a *Analyzer) Analyze(ctx context.Context, it model.Item, extraPrompt string) (AnalysisResult, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(it, extraPrompt)},
	}
	raw, err := a.client.Complete(ctx, messages)
	if err != nil {
		return AnalysisResult{}, err
	}
	return ParseAnalysis(raw)
}

const systemPrompt = `You are an intelligence analyst. You receive one raw news or intelligence item and produce a structured classification.

Respond ONLY with valid JSON in the following format:
{
  "event_times": ["array of times the event happened, free text"],
  "locations": ["array of place names"],
  "people": ["array of person names"],
  "organizations": ["array of organization names"],
  "title": "one line event title",
  "brief": "one paragraph event brief",
  "text": "cleaned full event description",
  "taxonomy": "top level category",
  "sub_categories": ["array of finer categories"],
  "rate": {"dimension": 0.0},
  "impact": "expected impact, free text",
  "tips": "follow up suggestions, free text"
}

Rules:
1. Every rate value is a number between 0 and 10.
2. Rate the item on the dimensions you find relevant (for example military, political, economic, technology, social).
3. title and brief are mandatory and must not be empty.
4. Do not include any text outside the JSON object.`

func buildUserPrompt(it model.Item, extraPrompt string) string {
	var b strings.Builder
	if it.Title != "" {
		fmt.Fprintf(&b, "TITLE: %s\n", it.Title)
	}
	if it.Informant != "" {
		fmt.Fprintf(&b, "SOURCE: %s\n", it.Informant)
	}
	if !it.PubTime.IsZero() {
		fmt.Fprintf(&b, "PUBLISHED: %s\n", it.PubTime.Format("2006-01-02 15:04:05"))
	}
	b.WriteString("CONTENT:\n")
	b.WriteString(it.Raw)
	if extraPrompt != "" {
		b.WriteString("\n\nADDITIONAL INSTRUCTIONS:\n")
		b.WriteString(extraPrompt)
	}
	return b.String()
}

// ParseAnalysis decodes and validates a model response. Markdown code fences
// around the JSON body are tolerated.
func ParseAnalysis(raw string) (AnalysisResult, error) {
	body := stripFences(raw)
	var res AnalysisResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return AnalysisResult{}, &ParseError{Reason: fmt.Sprintf("not valid JSON: %v", err), Raw: raw}
	}
	if strings.TrimSpace(res.Title) == "" {
		return AnalysisResult{}, &ParseError{Reason: "title is empty", Raw: raw}
	}
	if strings.TrimSpace(res.Brief) == "" {
		return AnalysisResult{}, &ParseError{Reason: "brief is empty", Raw: raw}
	}
	if len(res.Rate) == 0 {
		return AnalysisResult{}, &ParseError{Reason: "rate map is empty", Raw: raw}
	}
	for class := range res.Rate {
		if strings.TrimSpace(class) == "" {
			return AnalysisResult{}, &ParseError{Reason: "rate has an empty dimension name", Raw: raw}
		}
	}
	if err := model.ValidateRate(res.Rate); err != nil {
		return AnalysisResult{}, &ParseError{Reason: err.Error(), Raw: raw}
	}
	return res, nil
}

func stripFences(raw string) string {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if idx := strings.LastIndex(body, "```"); idx >= 0 {
			body = body[:idx]
		}
	}
	return strings.TrimSpace(body)
}
