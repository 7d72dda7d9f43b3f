package httpapi

import (
	"context"
	"net/http"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/searchpipeline"
)

// CollectionMetaStore resolves searchpipeline.CollectionMeta for a
// collection id — the narrow seam into whatever owns the collection/
// entity-definition schema (spec.md §1 "out of scope: concrete
// relational schema").
type CollectionMetaStore interface {
	CollectionMeta(ctx context.Context, collectionID string) (searchpipeline.CollectionMeta, error)
}

// Search implements GET /search/stream (spec.md §4.8, §6): runs the
// agentic plan->embed->query->evaluate->compose loop, streaming SSE
// progress events (planning/searching/evaluating/done/error).
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	collectionID := q.Get("collection_id")
	if collectionID == "" {
		writeError(w, apperrors.New(apperrors.KindValidation, "collection_id is required"))
		return
	}

	req := searchpipeline.Request{
		CollectionID: collectionID,
		Query:        q.Get("query"),
		Mode:         q.Get("mode"),
		Limit:        parseLimit(q.Get("limit"), 10, 100),
	}

	var meta searchpipeline.CollectionMeta
	if s.CollectionMeta != nil {
		var err error
		meta, err = s.CollectionMeta.CollectionMeta(r.Context(), collectionID)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	emitter, err := searchpipeline.NewSSEEmitter(r.Context(), w)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInvariant, err, "streaming not supported"))
		return
	}
	defer emitter.Close()

	answer, err := s.SearchPipeline.Run(r.Context(), meta, req, emitter)
	if err != nil {
		emitter.Emit("error", map[string]any{"message": apperrors.Sanitize(err)})
		return
	}
	emitter.Emit("done", map[string]any{"answer": answer})
}
