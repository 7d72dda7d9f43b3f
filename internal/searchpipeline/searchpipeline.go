// Package searchpipeline implements the agentic/spotlight search loop
// over a collection (spec.md §4.8 / SPEC_FULL.md §2.19): build
// collection metadata, then loop plan → embed → query → evaluate until
// an answer is found or a consolidation pass fires, then compose a
// final answer. Progress events stream over Server-Sent Events using
// the same connection discipline as the teacher's
// internal/mcpserver/server/sse.go SSEStream (event/id/data lines,
// flushed per message); the plan step's JSON-schema-constrained LLM
// call is modeled on internal/mcpserver/tools/{schemas,definitions}.go's
// StringSchema/EnumSchema/BuildSchema helpers, repointed at a
// {query, retrieval_strategy, llm_filters} plan object instead of a
// tool-call parameter object.
package searchpipeline

import (
	"context"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// RetrievalStrategy is the plan step's constrained choice (spec.md
// §4.8 step 3a).
type RetrievalStrategy string

const (
	StrategyDense  RetrievalStrategy = "dense"
	StrategySparse RetrievalStrategy = "sparse"
	StrategyHybrid RetrievalStrategy = "hybrid"
)

// PlanSchema is the JSON schema constraining the LLM's plan step output,
// built with the same StringSchema/EnumSchema/BuildSchema shape as the
// teacher's tools package, widened from "tool call parameters" to
// "search plan."
func PlanSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "the retrieval query to run this iteration",
			},
			"retrieval_strategy": map[string]any{
				"type":        "string",
				"description": "which embedding space to query",
				"enum":        []string{string(StrategyDense), string(StrategySparse), string(StrategyHybrid)},
			},
			"llm_filters": map[string]any{
				"type":        "object",
				"description": "filters the model wants to add on top of the user's own filters",
			},
		},
		"required": []string{"query", "retrieval_strategy"},
	}
}

// Plan is one iteration's planning output.
type Plan struct {
	Query             string
	RetrievalStrategy RetrievalStrategy
	LLMFilters        map[string]any
}

// Evaluation is the evaluator step's verdict (spec.md §4.8 step 3e).
type Evaluation struct {
	ShouldContinue bool
	AnswerFound    bool
	Reasoning      string
}

// Hit is one retrieved result used to build the deterministic
// result_brief (spec.md §4.8 step 3d).
type Hit struct {
	EntityID string
	Score    float32
	Text     string
}

// IterationRecord is one completed loop iteration, appended to history
// for the next plan/evaluate call (spec.md §4.8 step 3f).
type IterationRecord struct {
	Plan         Plan
	Hits         []Hit
	ResultBrief  string
	Evaluation   Evaluation
	ProviderErr  string // set when the vector DB query failed this iteration
}

// CollectionMeta is the LLM context spec.md §4.8 step 1 builds: sources,
// entity schemas, and per-definition counts for the collection.
type CollectionMeta struct {
	Sources              []string
	EntityDefinitionIDs  []string
	CountsByDefinitionID map[string]int64
}

// Planner produces the next Plan given the query, user filters, mode,
// and iteration history.
type Planner interface {
	Plan(ctx context.Context, meta CollectionMeta, query string, mode string, userFilters map[string]any, history []IterationRecord) (Plan, error)
}

// Evaluator judges the latest iteration against the brief and history.
type Evaluator interface {
	Evaluate(ctx context.Context, query string, history []IterationRecord) (Evaluation, error)
}

// Composer produces the final answer from the full iteration history.
type Composer interface {
	Compose(ctx context.Context, query string, history []IterationRecord, limit int) (string, error)
}

// VectorSearcher runs one retrieval query against the collection's
// vector/keyword store. A provider error is swallowed into an empty
// hit list plus a recorded error, per spec.md §4.8 step 3c ("on
// provider error, treat as empty + record error for the evaluator").
type VectorSearcher interface {
	Search(ctx context.Context, collectionID string, plan Plan, combinedFilters map[string]any, limit int) ([]Hit, error)
}

// ProgressEmitter streams search progress events (spec.md §4.8 step 4
// "Emit progress events throughout"). SSEEmitter below is the concrete
// Server-Sent-Events implementation.
type ProgressEmitter interface {
	Emit(stage string, detail map[string]any)
}

// Request is one search invocation's input (spec.md §4.8).
type Request struct {
	CollectionID string
	Query        string
	Mode         string // "fast" or "agentic"
	Filters      map[string]any
	Limit        int
}

// MaxIterations bounds the plan/evaluate loop so a misbehaving
// evaluator can never run forever; spec.md leaves the exact bound
// unspecified, so this is a conservative ceiling above which the
// pipeline forces a consolidation pass.
const MaxIterations = 8

// Pipeline runs one search request end to end.
type Pipeline struct {
	planner   Planner
	evaluator Evaluator
	composer  Composer
	searcher  VectorSearcher
}

func New(planner Planner, evaluator Evaluator, composer Composer, searcher VectorSearcher) *Pipeline {
	return &Pipeline{planner: planner, evaluator: evaluator, composer: composer, searcher: searcher}
}

// Run implements spec.md §4.8's loop in full.
func (p *Pipeline) Run(ctx context.Context, meta CollectionMeta, req Request, emit ProgressEmitter) (string, error) {
	if req.Mode == "" {
		req.Mode = "fast"
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	var history []IterationRecord
	answerFound := false
	consolidation := false

	for iteration := 1; ; iteration++ {
		emit.Emit("planning", map[string]any{"iteration": iteration})
		plan, err := p.planner.Plan(ctx, meta, req.Query, req.Mode, req.Filters, history)
		if err != nil {
			return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "plan search iteration").AsRetryable()
		}

		combined := mergeFilters(req.Filters, plan.LLMFilters)

		emit.Emit("searching", map[string]any{"iteration": iteration, "query": plan.Query})
		hits, searchErr := p.searcher.Search(ctx, req.CollectionID, plan, combined, limit)
		record := IterationRecord{Plan: plan, Hits: hits}
		if searchErr != nil {
			record.ProviderErr = apperrors.Sanitize(searchErr)
			hits = nil
		}
		record.ResultBrief = buildResultBrief(hits)

		emit.Emit("evaluating", map[string]any{"iteration": iteration})
		eval, err := p.evaluator.Evaluate(ctx, req.Query, append(history, record))
		if err != nil {
			return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "evaluate search iteration").AsRetryable()
		}
		record.Evaluation = eval
		history = append(history, record)

		if eval.AnswerFound {
			answerFound = true
			break
		}
		if !eval.ShouldContinue || iteration >= MaxIterations {
			consolidation = true
			break
		}
	}

	if consolidation && !answerFound {
		// One last plan+search pass before composing, per spec.md §4.8
		// step 3f ("if not continuing but not found: set
		// is_consolidation=true and run one last plan+search pass").
		emit.Emit("planning", map[string]any{"consolidation": true})
		plan, err := p.planner.Plan(ctx, meta, req.Query, req.Mode, req.Filters, history)
		if err == nil {
			combined := mergeFilters(req.Filters, plan.LLMFilters)
			emit.Emit("searching", map[string]any{"consolidation": true})
			hits, searchErr := p.searcher.Search(ctx, req.CollectionID, plan, combined, limit)
			record := IterationRecord{Plan: plan, Hits: hits}
			if searchErr != nil {
				record.ProviderErr = apperrors.Sanitize(searchErr)
			}
			record.ResultBrief = buildResultBrief(hits)
			history = append(history, record)
		}
	}

	emit.Emit("done", nil)
	answer, err := p.composer.Compose(ctx, req.Query, history, limit)
	if err != nil {
		emit.Emit("error", map[string]any{"message": apperrors.Sanitize(err)})
		return "", apperrors.Wrap(apperrors.KindRemoteProvider, err, "compose final answer").AsRetryable()
	}
	return answer, nil
}

func mergeFilters(user, llm map[string]any) map[string]any {
	out := make(map[string]any, len(user)+len(llm))
	for k, v := range user {
		out[k] = v
	}
	for k, v := range llm {
		out[k] = v
	}
	return out
}

// buildResultBrief deterministically summarizes hits for the evaluator
// (spec.md §4.8 step 3d "Deterministic result_brief built from hits").
func buildResultBrief(hits []Hit) string {
	if len(hits) == 0 {
		return "no results"
	}
	brief := ""
	for i, h := range hits {
		if i > 0 {
			brief += "\n"
		}
		brief += h.EntityID
	}
	return brief
}
