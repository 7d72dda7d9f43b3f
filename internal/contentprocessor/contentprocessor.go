// Package contentprocessor implements spec.md §4.4.3: build a textual
// representation of each INSERT/UPDATE entity, chunk it, and produce
// dense + sparse embeddings for every chunk. It is new domain code —
// no single teacher file does text-build-chunk-embed — but it keeps
// the teacher's "small, explicitly constructed service, no package
// singleton" posture (§9) and its tolerant map[string]any field
// access style from internal/syncx/extract.go.
package contentprocessor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// FieldMeta is the per-field metadata descriptor spec.md §3 BaseEntity
// and §9 "deep inheritance" flatten to: which fields are embeddable,
// which identify the entity, name, and timestamps.
type FieldMeta struct {
	Name         string
	IsEntityID   bool
	IsName       bool
	IsCreatedAt  bool
	IsUpdatedAt  bool
	Embeddable   bool
}

// EntityKind distinguishes the small set of variants §9 flattens deep
// inheritance into.
type EntityKind string

const (
	KindBase    EntityKind = "base"
	KindFile    EntityKind = "file"
	KindCode    EntityKind = "code"
	KindWeb     EntityKind = "web"
	KindPolymorphic EntityKind = "polymorphic"
)

// ProcessableEntity is one INSERT/UPDATE entity ready for text build +
// chunk + embed, carrying enough metadata to choose a chunker and
// converter.
type ProcessableEntity struct {
	EntityID           string
	EntityDefinitionID string
	Kind               EntityKind
	Fields             map[string]any
	FieldMeta          []FieldMeta
	Language           string // for code entities, used to pick an AST chunker
	LocalPath          string // for file entities, path to already-downloaded bytes
	MimeType           string
	SizeBytes          int64
}

// Chunk is one {text, start_index, end_index} triple a chunker
// produces (spec.md §4.4.3 step 3); offsets are preserved for
// downstream span evaluation by the search pipeline.
type Chunk struct {
	Text       string
	StartIndex int
	EndIndex   int
}

// ChunkEntity is the expanded per-chunk entity (spec.md §4.4.3 step 4 /
// §3 "Chunk entity" / testable property 3).
type ChunkEntity struct {
	EntityID         string
	OriginalEntityID string
	ChunkIndex       int
	Text             string
	DenseEmbedding   []float32
	SparseEmbedding  SparseVector
	PackedBits       []byte // optional Vespa-style int8 packed projection
}

// SparseVector is a BM25-style term-weight vector (spec.md §4.4.3 step
// 5, "sparse: BM25-style (FastEmbed)").
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// MaxTokensPerRequest bounds a single dense-embedding sub-batch (spec.md
// §4.4.3 step 5).
const MaxTokensPerRequest = 8000

// DenseBatchSize is the embedder sub-batch size cap (spec.md §4.4.3 step 5).
const DenseBatchSize = 200

// DenseEmbedder is the seam into the configured dense embedder (OpenAI
// text-embedding-3-{small,large} or a local MiniLM service).
type DenseEmbedder interface {
	// ModelName and VectorSize identify the active embedder for the
	// collection-embedding-immutability check (spec.md §4.4.3 step 1,
	// testable property 9).
	ModelName() string
	VectorSize() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseEmbedder produces a term-weight vector over the full entity
// JSON (spec.md §4.4.3 step 5).
type SparseEmbedder interface {
	Embed(text string) SparseVector
}

// Converter turns non-plain-text file bytes into a textual
// representation (PDF/DOCX/PPTX via OCR, XLSX via spreadsheet parser,
// images via OCR, code via optional AI summarization). No bundled
// implementation ships — no pack example wires a document-conversion
// SDK — DefaultConverter below is a plain-text passthrough documented
// as the gap.
type Converter interface {
	Convert(ctx context.Context, localPath, mimeType string) (string, error)
}

// DefaultConverter treats file bytes as already-decoded UTF-8 text.
// Real deployments register a Converter backed by an OCR/DOCX/XLSX
// provider chain (spec.md §4.4.3 step 2); the interface point is real,
// this is the documented stand-in (DESIGN.md).
type DefaultConverter struct{}

func (DefaultConverter) Convert(ctx context.Context, localPath, mimeType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "read file entity bytes")
	}
	return string(data), nil
}

// CollectionEmbeddingState is the per-collection stamp spec.md §4.4.3
// step 1 describes: the first successful sync stamps (model, vector
// size); every subsequent sync must match or the whole pipeline fails
// fatally (testable property 9).
type CollectionEmbeddingState struct {
	ModelName  string
	VectorSize int
	Stamped    bool
}

// CollectionEmbeddingStore is the seam into whatever owns Collection
// rows (spec.md §1 "out of scope: concrete relational schema").
type CollectionEmbeddingStore interface {
	Get(ctx context.Context, collectionID string) (CollectionEmbeddingState, error)
	Stamp(ctx context.Context, collectionID, modelName string, vectorSize int) error
}

// ValidateEmbeddingConfig implements spec.md §4.4.3 step 1: stamp on
// first sync, refuse on drift for every sync after.
func ValidateEmbeddingConfig(ctx context.Context, collectionID string, embedder DenseEmbedder, store CollectionEmbeddingStore) error {
	state, err := store.Get(ctx, collectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "load collection embedding state")
	}

	if !state.Stamped {
		return store.Stamp(ctx, collectionID, embedder.ModelName(), embedder.VectorSize())
	}

	if state.ModelName != embedder.ModelName() || state.VectorSize != embedder.VectorSize() {
		return apperrors.Newf(apperrors.KindInvariant,
			"collection embedding model changed: stamped %s/%d, active %s/%d",
			state.ModelName, state.VectorSize, embedder.ModelName(), embedder.VectorSize()).
			WithStatus(500)
	}
	return nil
}

// Processor wires text build, chunking, and embedding into the single
// call the entity pipeline makes per batch of INSERT/UPDATE entities.
type Processor struct {
	converter Converter
	chunker   Chunker
	dense     DenseEmbedder
	sparse    SparseEmbedder
}

func New(converter Converter, chunker Chunker, dense DenseEmbedder, sparse SparseEmbedder) *Processor {
	if converter == nil {
		converter = DefaultConverter{}
	}
	return &Processor{converter: converter, chunker: chunker, dense: dense, sparse: sparse}
}

// DenseEmbedder exposes the configured dense embedder so a caller (the
// orchestrator) can run the collection-embedding-immutability check
// (ValidateEmbeddingConfig, spec.md §4.4.3 step 1) against the same
// embedder this Processor will actually embed with.
func (p *Processor) DenseEmbedder() DenseEmbedder { return p.dense }

// Result is the per-parent-entity outcome of Process.
type Result struct {
	EntityID string
	Skipped  bool // textual representation was empty (spec.md §4.4.3 step 2)
	Chunks   []ChunkEntity
}

// Process implements spec.md §4.4.3 steps 2-5 for one batch. Entities
// whose textual representation is empty are marked Skipped and
// excluded from chunking/embedding (incrementing the caller's `skipped`
// counter is the caller's responsibility, since that counter lives on
// SyncJob, out of this package's scope).
func (p *Processor) Process(ctx context.Context, entities []ProcessableEntity) ([]Result, error) {
	results := make([]Result, 0, len(entities))

	// Build text + chunk per entity first, so we can batch the dense
	// embedding calls across every chunk in the batch (spec.md §4.4.3
	// step 5 "batch size <= 200 texts per sub-batch").
	type pending struct {
		entityID string
		chunks   []Chunk
	}
	var pendingEntities []pending
	var allTexts []string
	var allSparseSource []string

	for _, e := range entities {
		text, err := p.buildText(ctx, e)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			results = append(results, Result{EntityID: e.EntityID, Skipped: true})
			continue
		}

		chunks, err := p.chunker.Chunk(e, text)
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			results = append(results, Result{EntityID: e.EntityID, Skipped: true})
			continue
		}

		pendingEntities = append(pendingEntities, pending{entityID: e.EntityID, chunks: chunks})
		for _, c := range chunks {
			allTexts = append(allTexts, c.Text)
			allSparseSource = append(allSparseSource, entitySparseSource(e))
		}
	}

	denseVecs, err := p.embedDense(ctx, allTexts)
	if err != nil {
		return nil, err
	}
	if len(denseVecs) != len(allTexts) {
		return nil, apperrors.New(apperrors.KindInvariant, "dense embedder returned wrong chunk count")
	}

	idx := 0
	for _, pe := range pendingEntities {
		chunkEntities := make([]ChunkEntity, 0, len(pe.chunks))
		for ci, c := range pe.chunks {
			vec := denseVecs[idx]
			if len(vec) != p.dense.VectorSize() {
				return nil, apperrors.Newf(apperrors.KindInvariant,
					"embedding dimension mismatch: got %d, want %d (testable property 4)", len(vec), p.dense.VectorSize())
			}
			sparse := SparseVector{}
			if p.sparse != nil {
				sparse = p.sparse.Embed(allSparseSource[idx])
			}
			chunkEntities = append(chunkEntities, ChunkEntity{
				EntityID:         ChunkEntityID(pe.entityID, ci),
				OriginalEntityID: pe.entityID,
				ChunkIndex:       ci,
				Text:             c.Text,
				DenseEmbedding:   vec,
				SparseEmbedding:  sparse,
				PackedBits:       packBits(vec),
			})
			idx++
		}
		results = append(results, Result{EntityID: pe.entityID, Chunks: chunkEntities})
	}

	return results, nil
}

// ChunkEntityID implements spec.md §3/testable property 3's naming
// rule: "{parent}__chunk_{idx}".
func ChunkEntityID(parentID string, idx int) string {
	return parentID + "__chunk_" + itoa(idx)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (p *Processor) buildText(ctx context.Context, e ProcessableEntity) (string, error) {
	switch e.Kind {
	case KindFile:
		if e.LocalPath == "" {
			return "", apperrors.New(apperrors.KindInvariant, "file entity missing local bytes")
		}
		return p.converter.Convert(ctx, e.LocalPath, e.MimeType)
	case KindWeb:
		return buildTextFromFields(e), nil
	default:
		return buildTextFromFields(e), nil
	}
}

// buildTextFromFields concatenates embeddable fields using declared
// field metadata (spec.md §4.4.3 step 2), in stable field-name order so
// the same entity always produces the same textual representation.
func buildTextFromFields(e ProcessableEntity) string {
	embeddable := map[string]bool{}
	for _, fm := range e.FieldMeta {
		if fm.Embeddable {
			embeddable[fm.Name] = true
		}
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if len(embeddable) == 0 || embeddable[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, n := range names {
		if v, ok := e.Fields[n]; ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(toText(v))
		}
	}
	return sb.String()
}

func entitySparseSource(e ProcessableEntity) string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteString(":")
		sb.WriteString(toText(e.Fields[n]))
		sb.WriteString(" ")
	}
	return sb.String()
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return strings.TrimSpace(stringify(t))
	}
}

func stringify(v any) string {
	return fmt.Sprint(v)
}

func (p *Processor) embedDense(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += DenseBatchSize {
		end := start + DenseBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		sub := texts[start:end]
		for _, part := range splitByTokenBudget(sub) {
			vecs, err := p.dense.Embed(ctx, part)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.KindRemoteProvider, err, "dense embedding request").AsRetryable()
			}
			out = append(out, vecs...)
		}
	}
	return out, nil
}

// splitByTokenBudget further splits a sub-batch if its rough token
// estimate exceeds MaxTokensPerRequest (spec.md §4.4.3 step 5). Token
// estimate is chars/4, a standard rough heuristic — no tokenizer
// dependency in the pack to do exact counting.
func splitByTokenBudget(texts []string) [][]string {
	var out [][]string
	var cur []string
	curTokens := 0
	for _, t := range texts {
		est := len(t)/4 + 1
		if curTokens+est > MaxTokensPerRequest && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			curTokens = 0
		}
		cur = append(cur, t)
		curTokens += est
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// packBits implements the Vespa variant's 96-int8 binary-packed dense
// projection (spec.md §4.4.3 end: "packed_bits(v>0)"), one bit per
// dimension rounded up to whole bytes.
func packBits(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	out := make([]byte, (len(vec)+7)/8)
	for i, v := range vec {
		if v > 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
