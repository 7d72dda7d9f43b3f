package searchpipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePlanner struct {
	calls int
	plans []Plan
}

func (f *fakePlanner) Plan(ctx context.Context, meta CollectionMeta, query, mode string, userFilters map[string]any, history []IterationRecord) (Plan, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.plans) {
		return f.plans[idx], nil
	}
	return f.plans[len(f.plans)-1], nil
}

type fakeEvaluator struct {
	verdicts []Evaluation
	calls    int
	// always, when set, overrides verdicts/default and is returned for
	// every call — used to exercise the MaxIterations ceiling without
	// the default "answer found" fallback cutting the loop short.
	always *Evaluation
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, query string, history []IterationRecord) (Evaluation, error) {
	idx := f.calls
	f.calls++
	if f.always != nil {
		return *f.always, nil
	}
	if idx < len(f.verdicts) {
		return f.verdicts[idx], nil
	}
	return Evaluation{AnswerFound: true}, nil
}

type fakeComposer struct {
	answer string
	calls  int
}

func (f *fakeComposer) Compose(ctx context.Context, query string, history []IterationRecord, limit int) (string, error) {
	f.calls++
	return f.answer, nil
}

type fakeSearcher struct {
	hits [][]Hit
	errs []error
	call int
}

func (f *fakeSearcher) Search(ctx context.Context, collectionID string, plan Plan, combinedFilters map[string]any, limit int) ([]Hit, error) {
	idx := f.call
	f.call++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if idx < len(f.hits) {
		return f.hits[idx], err
	}
	return nil, err
}

type recordingEmitter struct {
	stages []string
}

func (r *recordingEmitter) Emit(stage string, detail map[string]any) {
	r.stages = append(r.stages, stage)
}

func TestRun_AnswerFoundFirstIteration_StopsLoop(t *testing.T) {
	planner := &fakePlanner{plans: []Plan{{Query: "q1", RetrievalStrategy: StrategyDense}}}
	evaluator := &fakeEvaluator{verdicts: []Evaluation{{AnswerFound: true}}}
	composer := &fakeComposer{answer: "the answer"}
	searcher := &fakeSearcher{hits: [][]Hit{{{EntityID: "e1", Score: 0.9}}}}
	emitter := &recordingEmitter{}

	p := New(planner, evaluator, composer, searcher)
	answer, err := p.Run(context.Background(), CollectionMeta{}, Request{CollectionID: "c1", Query: "find x"}, emitter)

	require.NoError(t, err)
	require.Equal(t, "the answer", answer)
	require.Equal(t, 1, planner.calls)
	require.Equal(t, 1, searcher.call)
	require.Equal(t, 1, composer.calls)
	require.Contains(t, emitter.stages, "planning")
	require.Contains(t, emitter.stages, "searching")
	require.Contains(t, emitter.stages, "evaluating")
	require.Contains(t, emitter.stages, "done")
}

func TestRun_ContinuesUntilAnswerFound(t *testing.T) {
	planner := &fakePlanner{plans: []Plan{
		{Query: "q1", RetrievalStrategy: StrategyDense},
		{Query: "q2", RetrievalStrategy: StrategyHybrid},
	}}
	evaluator := &fakeEvaluator{verdicts: []Evaluation{
		{ShouldContinue: true},
		{AnswerFound: true},
	}}
	composer := &fakeComposer{answer: "final"}
	searcher := &fakeSearcher{hits: [][]Hit{
		{{EntityID: "e1"}},
		{{EntityID: "e2"}},
	}}
	emitter := &recordingEmitter{}

	p := New(planner, evaluator, composer, searcher)
	answer, err := p.Run(context.Background(), CollectionMeta{}, Request{CollectionID: "c1", Query: "find x"}, emitter)

	require.NoError(t, err)
	require.Equal(t, "final", answer)
	require.Equal(t, 2, planner.calls)
	require.Equal(t, 2, searcher.call)
}

func TestRun_NeitherContinueNorFound_RunsConsolidationPass(t *testing.T) {
	planner := &fakePlanner{plans: []Plan{
		{Query: "q1", RetrievalStrategy: StrategyDense},
		{Query: "q1-consolidated", RetrievalStrategy: StrategyDense},
	}}
	evaluator := &fakeEvaluator{verdicts: []Evaluation{
		{ShouldContinue: false, AnswerFound: false},
	}}
	composer := &fakeComposer{answer: "best effort"}
	searcher := &fakeSearcher{hits: [][]Hit{
		{{EntityID: "e1"}},
		{{EntityID: "e2"}},
	}}
	emitter := &recordingEmitter{}

	p := New(planner, evaluator, composer, searcher)
	answer, err := p.Run(context.Background(), CollectionMeta{}, Request{CollectionID: "c1", Query: "find x"}, emitter)

	require.NoError(t, err)
	require.Equal(t, "best effort", answer)
	// one loop planner call plus one consolidation planner call
	require.Equal(t, 2, planner.calls)
	require.Equal(t, 2, searcher.call)
}

func TestRun_SearchProviderError_TreatedAsEmptyAndRecordedForEvaluator(t *testing.T) {
	planner := &fakePlanner{plans: []Plan{{Query: "q1", RetrievalStrategy: StrategyDense}}}
	evaluator := &fakeEvaluator{verdicts: []Evaluation{{AnswerFound: true}}}
	composer := &fakeComposer{answer: "answer despite provider error"}
	searcher := &fakeSearcher{errs: []error{errors.New("vector db unavailable")}}
	emitter := &recordingEmitter{}

	p := New(planner, evaluator, composer, searcher)
	answer, err := p.Run(context.Background(), CollectionMeta{}, Request{CollectionID: "c1", Query: "find x"}, emitter)

	require.NoError(t, err)
	require.Equal(t, "answer despite provider error", answer)
}

func TestRun_HitsMaxIterations_ForcesConsolidation(t *testing.T) {
	planner := &fakePlanner{plans: []Plan{{Query: "q", RetrievalStrategy: StrategyDense}}}
	alwaysContinue := Evaluation{ShouldContinue: true, AnswerFound: false}
	evaluator := &fakeEvaluator{always: &alwaysContinue}
	composer := &fakeComposer{answer: "capped"}
	searcher := &fakeSearcher{}
	emitter := &recordingEmitter{}

	p := New(planner, evaluator, composer, searcher)
	answer, err := p.Run(context.Background(), CollectionMeta{}, Request{CollectionID: "c1", Query: "find x"}, emitter)

	require.NoError(t, err)
	require.Equal(t, "capped", answer)
	// MaxIterations loop iterations plus one consolidation pass
	require.Equal(t, MaxIterations+1, planner.calls)
	require.Equal(t, MaxIterations, evaluator.calls)
}

func TestRun_PlannerError_PropagatesAndSkipsSearch(t *testing.T) {
	planner := &erroringPlanner{err: errors.New("llm unavailable")}
	evaluator := &fakeEvaluator{}
	composer := &fakeComposer{}
	searcher := &fakeSearcher{}
	emitter := &recordingEmitter{}

	p := New(planner, evaluator, composer, searcher)
	_, err := p.Run(context.Background(), CollectionMeta{}, Request{CollectionID: "c1", Query: "find x"}, emitter)

	require.Error(t, err)
	require.Equal(t, 0, searcher.call)
}

type erroringPlanner struct{ err error }

func (e *erroringPlanner) Plan(ctx context.Context, meta CollectionMeta, query, mode string, userFilters map[string]any, history []IterationRecord) (Plan, error) {
	return Plan{}, e.err
}
