package contentprocessor

import (
	"context"
	"math"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// OpenAIEmbedder is the configured dense embedder backed by OpenAI's
// text-embedding-3-{small,large} models (spec.md §4.4.3 step 5). The
// local MiniLM-service variant the spec also allows is a second
// DenseEmbedder implementation a deployment can swap in; nothing in
// this package depends on which one is active beyond ModelName/VectorSize.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	size   int
}

// Known model/dimension pairs spec.md §4.4.3 step 5 names explicitly.
const (
	ModelTextEmbedding3Small = "text-embedding-3-small"
	ModelTextEmbedding3Large = "text-embedding-3-large"
	ModelMiniLMLocal         = "minilm-local"
)

var modelDimensions = map[string]int{
	ModelTextEmbedding3Small: 1536,
	ModelTextEmbedding3Large: 3072,
	ModelMiniLMLocal:         384,
}

func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	size, ok := modelDimensions[model]
	if !ok {
		size = modelDimensions[ModelTextEmbedding3Small]
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: model, size: size}
}

// NewAzureOpenAIEmbedder points the same embedder at an Azure OpenAI
// deployment instead of api.openai.com (SPEC_FULL.md §0 AZURE_OPENAI_*),
// for deployments that use Azure as their embedding provider. deployment
// is the Azure deployment name the model maps to; model still selects
// the VectorSize spec.md §4.4.3 step 1 stamps on the collection.
func NewAzureOpenAIEmbedder(apiKey, endpoint, deployment, model string) *OpenAIEmbedder {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	cfg.AzureModelMapperFunc = func(string) string { return deployment }
	size, ok := modelDimensions[model]
	if !ok {
		size = modelDimensions[ModelTextEmbedding3Small]
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model, size: size}
}

func (e *OpenAIEmbedder) ModelName() string { return e.model }
func (e *OpenAIEmbedder) VectorSize() int   { return e.size }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRemoteProvider, err, "openai embeddings request").AsRetryable()
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// MiniLMEmbedder calls a locally hosted text2vec-inference-style HTTP
// service producing 384-dim vectors (spec.md §6 TEXT2VEC_INFERENCE_URL).
// The HTTP client itself is the caller's responsibility (injected via
// MiniLMCaller below) since the wire contract of the local service is
// deployment-specific and out of scope for this package.
type MiniLMCaller interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type MiniLMEmbedder struct {
	caller MiniLMCaller
}

func NewMiniLMEmbedder(caller MiniLMCaller) *MiniLMEmbedder {
	return &MiniLMEmbedder{caller: caller}
}

func (e *MiniLMEmbedder) ModelName() string { return ModelMiniLMLocal }
func (e *MiniLMEmbedder) VectorSize() int   { return modelDimensions[ModelMiniLMLocal] }

func (e *MiniLMEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.caller.Embed(ctx, texts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRemoteProvider, err, "minilm embedding request").AsRetryable()
	}
	return vecs, nil
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// BM25Sparse is a simplified, in-process stand-in for FastEmbed's
// BM25-style sparse vectorizer (spec.md §4.4.3 step 5, and DESIGN.md's
// note that no BM25/FastEmbed library is in the retrieval pack). It
// hashes terms to a fixed-width index space and weights them by
// log-scaled term frequency — not a calibrated BM25 implementation,
// but it produces the same {indices, values} sparse shape the
// destination handlers expect.
type BM25Sparse struct {
	buckets uint32
}

func NewBM25Sparse() *BM25Sparse {
	return &BM25Sparse{buckets: 1 << 18}
}

func (b *BM25Sparse) Embed(text string) SparseVector {
	terms := tokenPattern.FindAllString(strings.ToLower(text), -1)
	counts := make(map[uint32]float32, len(terms))
	for _, t := range terms {
		idx := fnv32(t) % b.buckets
		counts[idx]++
	}

	indices := make([]uint32, 0, len(counts))
	values := make([]float32, 0, len(counts))
	for idx, c := range counts {
		indices = append(indices, idx)
		values = append(values, float32(1+math.Log(float64(c))))
	}
	return SparseVector{Indices: indices, Values: values}
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
