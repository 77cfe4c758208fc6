package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"meshd/internal/apperr"
	"meshd/pkg/types"
)

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *server) events(w http.ResponseWriter, r *http.Request) {
	ev := s.svc.Events()
	if ev == nil {
		ev = []types.Event{}
	}
	writeJSON(w, http.StatusOK, types.EventsResponse{Events: ev})
}

func (s *server) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.svc.ListModels()})
}

// loadModel handles POST /system/models/{id}/load[?gpu=N]. It blocks until
// the model is resident.
func (s *server) loadModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gpu := -1
	if v := r.URL.Query().Get("gpu"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.Validation("gpu must be a non-negative integer"))
			return
		}
		gpu = n
	}
	ctx, cancel := s.adminContext(r)
	defer cancel()
	if err := s.svc.LoadModel(ctx, id, gpu); err != nil {
		writeError(w, err)
		return
	}
	s.writeModel(w, id)
}

func (s *server) unloadModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := s.adminContext(r)
	defer cancel()
	if err := s.svc.UnloadModel(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	s.writeModel(w, id)
}

func (s *server) resetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.ResetModel(id); err != nil {
		writeError(w, err)
		return
	}
	s.writeModel(w, id)
}

func (s *server) adminContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.AdminTimeout > 0 {
		return context.WithTimeout(r.Context(), s.opts.AdminTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *server) writeModel(w http.ResponseWriter, id string) {
	for _, m := range s.svc.ListModels() {
		if m.ID == id {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	writeError(w, apperr.NotFound("model not found: %s", id))
}
