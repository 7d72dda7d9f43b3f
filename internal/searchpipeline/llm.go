package searchpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// OpenAIPlanner, OpenAIEvaluator, and OpenAIComposer are the LLM-backed
// collaborators for the search loop (spec.md §4.8 steps 3a/3e/4). They
// share a client with contentprocessor.OpenAIEmbedder's construction
// style (internal/contentprocessor/embed.go) and constrain output with
// JSON mode plus a schema described in the system prompt, the same
// "build a JSON schema, hand it to the model, parse the result" shape
// as the teacher's tools package uses for tool-call parameters
// (internal/mcpserver/tools/schemas.go), repointed at plan/evaluation
// objects instead of tool arguments.
type OpenAIPlanner struct {
	client *openai.Client
	model  string
}

func NewOpenAIPlanner(apiKey, model string) *OpenAIPlanner {
	return &OpenAIPlanner{client: openai.NewClient(apiKey), model: model}
}

// cerebrasBaseURL is Cerebras's OpenAI-compatible chat completions
// endpoint (SPEC_FULL.md §0 CEREBRAS_API_KEY) — no separate SDK is
// needed, the same sashabaranov/go-openai client just points elsewhere.
const cerebrasBaseURL = "https://api.cerebras.ai/v1"

func newCompatibleClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}

// NewCerebrasPlanner is NewOpenAIPlanner repointed at Cerebras instead
// of OpenAI, for deployments that configure CEREBRAS_API_KEY as the
// search loop's LLM provider.
func NewCerebrasPlanner(apiKey, model string) *OpenAIPlanner {
	return &OpenAIPlanner{client: newCompatibleClient(apiKey, cerebrasBaseURL), model: model}
}

func (p *OpenAIPlanner) Plan(ctx context.Context, meta CollectionMeta, query, mode string, userFilters map[string]any, history []IterationRecord) (Plan, error) {
	schema, _ := json.Marshal(PlanSchema())
	sys := fmt.Sprintf(
		"You plan retrieval queries over a search collection. Sources: %s. "+
			"Respond with a single JSON object matching this schema: %s",
		strings.Join(meta.Sources, ", "), schema,
	)
	userMsg := buildPlanUserMessage(query, mode, userFilters, history)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sys},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Plan{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "openai plan request").AsRetryable()
	}
	if len(resp.Choices) == 0 {
		return Plan{}, apperrors.New(apperrors.KindRemoteProvider, "openai plan request returned no choices")
	}

	var parsed struct {
		Query             string         `json:"query"`
		RetrievalStrategy string         `json:"retrieval_strategy"`
		LLMFilters        map[string]any `json:"llm_filters"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return Plan{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "parse plan response")
	}

	strategy := RetrievalStrategy(parsed.RetrievalStrategy)
	switch strategy {
	case StrategyDense, StrategySparse, StrategyHybrid:
	default:
		strategy = StrategyHybrid
	}
	if parsed.Query == "" {
		parsed.Query = query
	}
	return Plan{Query: parsed.Query, RetrievalStrategy: strategy, LLMFilters: parsed.LLMFilters}, nil
}

func buildPlanUserMessage(query, mode string, userFilters map[string]any, history []IterationRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\nMode: %s\n", query, mode)
	if len(userFilters) > 0 {
		filters, _ := json.Marshal(userFilters)
		fmt.Fprintf(&b, "User filters: %s\n", filters)
	}
	if len(history) == 0 {
		b.WriteString("No prior iterations.\n")
		return b.String()
	}
	b.WriteString("Prior iterations:\n")
	for i, rec := range history {
		fmt.Fprintf(&b, "%d. query=%q strategy=%s brief=%s\n", i+1, rec.Plan.Query, rec.Plan.RetrievalStrategy, rec.ResultBrief)
	}
	return b.String()
}

type evaluationSchema struct {
	ShouldContinue bool   `json:"should_continue"`
	AnswerFound    bool   `json:"answer_found"`
	Reasoning      string `json:"reasoning"`
}

type OpenAIEvaluator struct {
	client *openai.Client
	model  string
}

func NewOpenAIEvaluator(apiKey, model string) *OpenAIEvaluator {
	return &OpenAIEvaluator{client: openai.NewClient(apiKey), model: model}
}

// NewCerebrasEvaluator is NewOpenAIEvaluator repointed at Cerebras.
func NewCerebrasEvaluator(apiKey, model string) *OpenAIEvaluator {
	return &OpenAIEvaluator{client: newCompatibleClient(apiKey, cerebrasBaseURL), model: model}
}

func (e *OpenAIEvaluator) Evaluate(ctx context.Context, query string, history []IterationRecord) (Evaluation, error) {
	if len(history) == 0 {
		return Evaluation{}, apperrors.New(apperrors.KindInvariant, "evaluate called with empty history")
	}
	latest := history[len(history)-1]

	sys := "You judge whether retrieved search results answer the user's query. " +
		`Respond with a single JSON object: {"should_continue": bool, "answer_found": bool, "reasoning": string}.`
	userMsg := fmt.Sprintf("Query: %s\nLatest result brief:\n%s\nProvider error: %s\nIteration: %d",
		query, latest.ResultBrief, latest.ProviderErr, len(history))

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sys},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Evaluation{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "openai evaluate request").AsRetryable()
	}
	if len(resp.Choices) == 0 {
		return Evaluation{}, apperrors.New(apperrors.KindRemoteProvider, "openai evaluate request returned no choices")
	}

	var parsed evaluationSchema
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return Evaluation{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "parse evaluation response")
	}
	return Evaluation{ShouldContinue: parsed.ShouldContinue, AnswerFound: parsed.AnswerFound, Reasoning: parsed.Reasoning}, nil
}

type OpenAIComposer struct {
	client *openai.Client
	model  string
}

func NewOpenAIComposer(apiKey, model string) *OpenAIComposer {
	return &OpenAIComposer{client: openai.NewClient(apiKey), model: model}
}

// NewCerebrasComposer is NewOpenAIComposer repointed at Cerebras.
func NewCerebrasComposer(apiKey, model string) *OpenAIComposer {
	return &OpenAIComposer{client: newCompatibleClient(apiKey, cerebrasBaseURL), model: model}
}

func (c *OpenAIComposer) Compose(ctx context.Context, query string, history []IterationRecord, limit int) (string, error) {
	var briefs strings.Builder
	for i, rec := range history {
		fmt.Fprintf(&briefs, "Iteration %d (%s):\n%s\n\n", i+1, rec.Plan.RetrievalStrategy, rec.ResultBrief)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Compose a final answer to the user's query strictly from the provided search results. Be concise."},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Query: %s\n\n%s", query, briefs.String())},
		},
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "openai compose request").AsRetryable()
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.New(apperrors.KindRemoteProvider, "openai compose request returned no choices")
	}

	answer := resp.Choices[0].Message.Content
	return truncate(answer, limit), nil
}

// truncate caps the composed answer to a character budget proportional
// to limit (spec.md §4.8's closing "compose + truncate to limit" step
// leaves the exact unit unspecified; this package treats limit as a
// result count and derives a generous character budget from it).
func truncate(s string, limit int) string {
	maxChars := limit * 400
	if maxChars <= 0 {
		maxChars = 4000
	}
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}
