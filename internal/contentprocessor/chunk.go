package contentprocessor

import (
	"strings"
)

// DefaultChunkSize and DefaultChunkOverlap bound the semantic chunker's
// output (spec.md §4.4.3 step 3); chosen to keep chunks comfortably
// under typical embedding context windows while preserving enough
// overlap for downstream span continuity.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 150
)

// Chunker splits one entity's textual representation into {text,
// start_index, end_index} triples (spec.md §4.4.3 step 3). Character
// offsets must be preserved for downstream span evaluation — every
// implementation below slices the original text rather than
// reconstructing it, so offsets stay exact.
type Chunker interface {
	Chunk(e ProcessableEntity, text string) ([]Chunk, error)
}

// SemanticChunker splits non-code text on paragraph/sentence
// boundaries where possible, falling back to a fixed-size sliding
// window with overlap. There is no semantic-chunking library in the
// retrieval pack (DESIGN.md); this is a deterministic boundary-aware
// splitter rather than an embedding-similarity-based one.
type SemanticChunker struct {
	Size    int
	Overlap int
}

func NewSemanticChunker() *SemanticChunker {
	return &SemanticChunker{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

func (c *SemanticChunker) Chunk(_ ProcessableEntity, text string) ([]Chunk, error) {
	size, overlap := c.Size, c.Overlap
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if len(text) <= size {
		return []Chunk{{Text: text, StartIndex: 0, EndIndex: len(text)}}, nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			// Prefer breaking at the last paragraph/sentence/space
			// boundary inside the window so chunks don't split words.
			if brk := lastBoundary(text[start:end]); brk > 0 {
				end = start + brk
			}
		}
		chunks = append(chunks, Chunk{Text: text[start:end], StartIndex: start, EndIndex: end})
		if end == len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks, nil
}

func lastBoundary(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i > len(window)/2 {
		return i + 2
	}
	if i := strings.LastIndex(window, ". "); i > len(window)/2 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > len(window)/2 {
		return i + 1
	}
	if i := strings.LastIndex(window, " "); i > len(window)/2 {
		return i + 1
	}
	return 0
}

// CodeChunker splits source code on top-level brace/bracket boundaries
// so a chunk never straddles an unmatched block. Tree-sitter AST
// chunking (spec.md §4.4.3 step 3) has no Go binding in the retrieval
// pack and pulls in cgo (DESIGN.md); this brace-depth scanner is the
// standard-library stand-in. Languages with no brace-delimited blocks
// (e.g. Python, YAML-like configs) fall back to size-bounded chunks cut
// at line boundaries; SupportsLanguage lets the caller count them as
// skipped instead.
type CodeChunker struct {
	Size int
}

func NewCodeChunker() *CodeChunker {
	return &CodeChunker{Size: DefaultChunkSize}
}

// SupportsLanguage reports whether language has a brace-aware chunking
// strategy; unsupported languages should be counted skipped by the
// caller rather than chunked (spec.md §4.4.3 step 3).
func (c *CodeChunker) SupportsLanguage(language string) bool {
	switch strings.ToLower(language) {
	case "go", "java", "javascript", "typescript", "c", "cpp", "c++", "csharp", "rust", "php", "kotlin", "scala", "swift":
		return true
	default:
		return false
	}
}

func (c *CodeChunker) Chunk(e ProcessableEntity, text string) ([]Chunk, error) {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	if !c.SupportsLanguage(e.Language) {
		return blankLineChunks(text, size), nil
	}

	var chunks []Chunk
	start := 0
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			if depth > 0 {
				depth--
			}
		}
		atTopLevel := depth == 0
		reachedSize := i-start >= size
		if reachedSize && atTopLevel {
			end := i + 1
			chunks = append(chunks, Chunk{Text: text[start:end], StartIndex: start, EndIndex: end})
			start = end
		}
	}
	if start < len(text) {
		chunks = append(chunks, Chunk{Text: text[start:], StartIndex: start, EndIndex: len(text)})
	}
	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Text: text, StartIndex: 0, EndIndex: len(text)})
	}
	return chunks, nil
}

func blankLineChunks(text string, size int) []Chunk {
	lines := strings.SplitAfter(text, "\n")
	var chunks []Chunk
	start := 0
	cur := 0
	offset := 0
	for _, line := range lines {
		if cur+len(line) > size && cur > 0 {
			chunks = append(chunks, Chunk{Text: text[start:offset], StartIndex: start, EndIndex: offset})
			start = offset
			cur = 0
		}
		cur += len(line)
		offset += len(line)
	}
	if start < len(text) {
		chunks = append(chunks, Chunk{Text: text[start:], StartIndex: start, EndIndex: len(text)})
	}
	return chunks
}
