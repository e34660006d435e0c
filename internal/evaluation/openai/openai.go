// Package openai provides an evaluation.Evaluator backed by OpenAI chat
// completions.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/internal/evaluation"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You assess English conversation practice sessions for Korean learners.
Read the transcript and score the learner (role "user") from 0 to 10 on
pronunciation, grammar, vocabulary and communication, plus an overall score.
Pronunciation can only be inferred from the transcription quality; be lenient.
Reply with a single JSON object and nothing else:
{"pronunciationScore":0,"grammarScore":0,"vocabularyScore":0,"communicationScore":0,"overallScore":0,"feedback":"...","suggestions":["...","...","..."]}
Feedback is two or three encouraging sentences. Give exactly three concrete suggestions.`

var _ evaluation.Evaluator = (*Evaluator)(nil)

// Evaluator scores transcripts with a chat model.
type Evaluator struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Evaluator.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often a failed request is retried. Negative
// values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs an Evaluator. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Evaluator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai evaluator: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Evaluator{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Evaluate implements evaluation.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, t evaluation.Transcript) (*evaluation.Evaluation, error) {
	resp, err := e.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(formatTranscript(t)),
		},
		Temperature: param.NewOpt(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("openai evaluator: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai evaluator: empty choices in response")
	}
	return parseEvaluation(resp.Choices[0].Message.Content)
}

// formatTranscript renders t as plain text for the model.
func formatTranscript(t evaluation.Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s\n\n", t.ScenarioTitle)
	for _, m := range t.Messages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	return b.String()
}

// parseEvaluation decodes the model reply. Markdown code fences around the
// object are tolerated.
func parseEvaluation(content string) (*evaluation.Evaluation, error) {
	s := strings.TrimSpace(content)
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	var ev evaluation.Evaluation
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return nil, fmt.Errorf("openai evaluator: decode reply: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("openai evaluator: invalid reply: %w", err)
	}
	return &ev, nil
}
