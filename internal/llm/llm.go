// Package llm classifies support conversations with an OpenAI chat model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o"

// Result is one classification returned by the model.
type Result struct {
	Category    string `json:"category"`
	SubCategory string `json:"sub_category"`
	Resolution  string `json:"resolution"`
	Reasoning   string `json:"reasoning"`
}

// ParseError reports a model response that did not contain the expected JSON.
type ParseError struct {
	Response string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse model response: %v: %s", e.Err, truncate(e.Response, 300))
}

func (e *ParseError) Unwrap() error { return e.Err }

type Options struct {
	APIKey string
	// BaseURL overrides the OpenAI endpoint, e.g. for a compatible proxy.
	BaseURL      string
	Model        string
	SystemPrompt string
}

// Classifier sends transcripts to the model with a fixed system prompt.
type Classifier struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func New(opts Options) (*Classifier, error) {
	if opts.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		return nil, errors.New("system prompt is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Classifier{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: opts.SystemPrompt,
	}, nil
}

// LoadPrompt reads a system prompt file.
func LoadPrompt(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return string(b), nil
}

// Classify classifies a single transcript.
func (c *Classifier) Classify(ctx context.Context, transcript string) (Result, error) {
	prompt := "Please classify this support case:\n\n<Conversation>" + transcript + "</Conversation>"
	text, err := c.complete(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	raw := ExtractJSONObject(text)
	if raw == "" {
		return Result{}, &ParseError{Response: text, Err: errors.New("no JSON object found")}
	}
	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, &ParseError{Response: text, Err: err}
	}
	return r, nil
}

// ClassifyBatch classifies several transcripts in one request. The model must
// answer with a JSON array holding one result per transcript, in order.
func (c *Classifier) ClassifyBatch(ctx context.Context, transcripts []string) ([]Result, error) {
	if len(transcripts) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString("Please classify each of the following support cases:\n\n")
	for i, t := range transcripts {
		fmt.Fprintf(&b, "Case %d:\n<Conversation>%s</Conversation>\n\n", i+1, t)
	}
	b.WriteString("Please respond with a JSON array containing the classification for each case in order.")

	text, err := c.complete(ctx, b.String())
	if err != nil {
		return nil, err
	}

	arr, obj := ExtractJSONArray(text), ExtractJSONObject(text)
	// An array nested inside a lone object is not the answer array.
	if arr != "" && obj != "" && strings.Index(text, obj) < strings.Index(text, arr) {
		arr = ""
	}

	var results []Result
	switch {
	case arr != "":
		if err := json.Unmarshal([]byte(arr), &results); err != nil {
			return nil, &ParseError{Response: text, Err: err}
		}
	case obj != "" && len(transcripts) == 1:
		var r Result
		if err := json.Unmarshal([]byte(obj), &r); err != nil {
			return nil, &ParseError{Response: text, Err: err}
		}
		results = []Result{r}
	default:
		return nil, &ParseError{Response: text, Err: errors.New("no JSON array found")}
	}

	if len(results) != len(transcripts) {
		return nil, &ParseError{Response: text, Err: fmt.Errorf("expected %d results, got %d", len(transcripts), len(results))}
	}
	return results, nil
}

func (c *Classifier) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ExtractJSONObject returns the outermost {...} in text, tolerating code
// fences and surrounding prose. It returns "" when there is none.
func ExtractJSONObject(text string) string {
	return extractBetween(text, '{', '}')
}

// ExtractJSONArray returns the outermost [...] in text, or "".
func ExtractJSONArray(text string) string {
	return extractBetween(text, '[', ']')
}

func extractBetween(text string, open, close byte) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
