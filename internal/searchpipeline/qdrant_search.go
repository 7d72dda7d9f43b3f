package searchpipeline

import (
	"context"

	"github.com/qdrant/go-client/qdrant"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/circuitbreaker"
	"github.com/airweave-ai/airweave-core/internal/contentprocessor"
)

// QdrantSearcher implements VectorSearcher against the same qdrant
// collection internal/destinations.QdrantDestination writes into,
// reusing its point-payload shape (entity_id/original_entity_id/
// entity_definition_id/sync_id/chunk_index/text). Dense-only and
// hybrid-strategy queries embed the plan's query text with the same
// DenseEmbedder the content processor uses; sparse queries use the
// SparseEmbedder.
type QdrantSearcher struct {
	client   *qdrant.Client
	breakers *circuitbreaker.Registry
	dense    contentprocessor.DenseEmbedder
	sparse   contentprocessor.SparseEmbedder
}

const qdrantSearchProvider = "qdrant"

func NewQdrantSearcher(client *qdrant.Client, breakers *circuitbreaker.Registry, dense contentprocessor.DenseEmbedder, sparse contentprocessor.SparseEmbedder) *QdrantSearcher {
	return &QdrantSearcher{client: client, breakers: breakers, dense: dense, sparse: sparse}
}

func (q *QdrantSearcher) Search(ctx context.Context, collectionID string, plan Plan, combinedFilters map[string]any, limit int) ([]Hit, error) {
	var hits []Hit
	err := q.breakers.Execute(ctx, qdrantSearchProvider, func(ctx context.Context) error {
		filter := buildQdrantFilter(combinedFilters)
		lim := uint64(limit)

		switch plan.RetrievalStrategy {
		case StrategySparse:
			sv := q.sparse.Embed(plan.Query)
			resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: collectionID,
				Query:          qdrant.NewQuerySparse(sv.Indices, sv.Values),
				Filter:         filter,
				Limit:          &lim,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				return apperrors.Wrap(apperrors.KindRemoteProvider, err, "qdrant sparse query").AsRetryable()
			}
			hits = scoredPointsToHits(resp)
			return nil
		default:
			vecs, err := q.dense.Embed(ctx, []string{plan.Query})
			if err != nil {
				return err
			}
			if len(vecs) == 0 {
				return nil
			}
			resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: collectionID,
				Query:          qdrant.NewQuery(vecs[0]...),
				Filter:         filter,
				Limit:          &lim,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				return apperrors.Wrap(apperrors.KindRemoteProvider, err, "qdrant dense query").AsRetryable()
			}
			hits = scoredPointsToHits(resp)
			return nil
		}
	})
	return hits, err
}

func scoredPointsToHits(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			EntityID: payloadStringValue(p.Payload, "entity_id"),
			Score:    p.Score,
			Text:     payloadStringValue(p.Payload, "text"),
		})
	}
	return hits
}

func payloadStringValue(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	return v.GetStringValue()
}

// buildQdrantFilter turns the combined user+LLM filter map into an
// equality-match Qdrant filter. Only string values become match
// conditions; numbers, bools and anything else are skipped rather than
// rejected, since an over-eager filter should never hard-fail a search.
func buildQdrantFilter(filters map[string]any) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	var conditions []*qdrant.Condition
	for k, v := range filters {
		switch val := v.(type) {
		case string:
			conditions = append(conditions, qdrant.NewMatch(k, val))
		}
	}
	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}
