package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/sourceconn"
)

// JobStore is the narrow listing seam this handler needs beyond
// orchestrator.JobStore's status-transition methods — the concrete
// relational schema that backs sync jobs is out of scope (spec.md §1),
// so whatever owns it satisfies this interface.
type JobStore interface {
	List(ctx context.Context, sourceConnectionID uuid.UUID) ([]SyncJobView, error)
}

// SyncJobView is the wire shape for GET .../jobs (spec.md §6).
type SyncJobView struct {
	ID               uuid.UUID `json:"id"`
	Status           string    `json:"status"`
	EntitiesInserted int64     `json:"entities_inserted"`
	EntitiesUpdated  int64     `json:"entities_updated"`
	EntitiesDeleted  int64     `json:"entities_deleted"`
	EntitiesKept     int64     `json:"entities_kept"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Error            string    `json:"error,omitempty"`
}

type createSourceConnectionReq struct {
	Name                 string                          `json:"name"`
	ShortName            string                          `json:"short_name"`
	ReadableCollectionID string                           `json:"readable_collection_id"`
	Config               map[string]any                  `json:"config,omitempty"`
	Authentication       *sourceconn.AuthenticationBlock `json:"authentication,omitempty"`
	SyncImmediately      bool                            `json:"sync_immediately,omitempty"`
}

// CreateSourceConnection implements POST /source-connections (spec.md §6).
func (s *Server) CreateSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())

	var req createSourceConnectionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindValidation, err, "invalid request body"))
		return
	}

	sc, err := s.SourceConns.Create(r.Context(), sourceconn.CreateInput{
		ShortName:            req.ShortName,
		OrganizationID:       ac.Organization.ID,
		ReadableCollectionID: req.ReadableCollectionID,
		Config:               req.Config,
		Authentication:       req.Authentication,
		SyncImmediately:      req.SyncImmediately,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// ListSourceConnections implements GET /source-connections.
func (s *Server) ListSourceConnections(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())
	list, err := s.SourceConns.List(r.Context(), ac.Organization.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func sourceConnectionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.KindValidation, "invalid source connection id")
	}
	return id, nil
}

// GetSourceConnection implements GET /source-connections/{id}.
func (s *Server) GetSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())
	id, err := sourceConnectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sc, err := s.SourceConns.Get(r.Context(), ac.Organization.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// DeleteSourceConnection implements DELETE /source-connections/{id}.
func (s *Server) DeleteSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())
	id, err := sourceConnectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.SourceConns.Delete(r.Context(), ac.Organization.ID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runResponse struct {
	SyncID uuid.UUID `json:"sync_id"`
}

// RunSourceConnection implements POST /source-connections/{id}/run.
func (s *Server) RunSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())
	id, err := sourceConnectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	syncID, err := s.SourceConns.TriggerSync(r.Context(), ac.Organization.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{SyncID: syncID})
}

// ListSyncJobs implements GET /source-connections/{id}/jobs.
func (s *Server) ListSyncJobs(w http.ResponseWriter, r *http.Request) {
	id, err := sourceConnectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobStore().List(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// CancelSyncJob implements POST /source-connections/{id}/jobs/{job}/cancel.
func (s *Server) CancelSyncJob(w http.ResponseWriter, r *http.Request) {
	ac, _ := apiContextFrom(r.Context())
	id, err := sourceConnectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.SourceConns.CancelSync(r.Context(), ac.Organization.ID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// jobStore exposes the optional Jobs field through a method so the
// route handlers don't need a nil check scattered across each of them.
func (s *Server) jobStore() JobStore {
	if s.Jobs == nil {
		return emptyJobStore{}
	}
	return s.Jobs
}

type emptyJobStore struct{}

func (emptyJobStore) List(ctx context.Context, sourceConnectionID uuid.UUID) ([]SyncJobView, error) {
	return []SyncJobView{}, nil
}
