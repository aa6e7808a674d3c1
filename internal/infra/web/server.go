package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/infra/cache"
)

// Dispatcher is the slice of the scheduler the admin API needs.
type Dispatcher interface {
	StartBatch(items []model.TranslatableItem, targetLang string, forceRegen bool) (int, error)
	Cancel(silent bool)
}

// Server exposes batch submission, health, status and metrics over
// HTTP.
type Server struct {
	status *StatusCache
	sched  Dispatcher
	cache  *cache.TranslationCache
	log    *zerolog.Logger
}

func NewServer(status *StatusCache, sched Dispatcher, translationCache *cache.TranslationCache, log *zerolog.Logger) *Server {
	return &Server{status: status, sched: sched, cache: translationCache, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.statusHandler)
		r.Post("/translate", s.translateHandler)
		r.Post("/cancel", s.cancelHandler)
	})
	return r
}

type translateRequest struct {
	TargetLanguage    string `json:"target_language"`
	ForceRegeneration bool   `json:"force_regeneration"`
	Items             []struct {
		ID                  string `json:"id"`
		SourceText          string `json:"source_text"`
		Context             string `json:"context,omitempty"`
		ExistingTranslation string `json:"existing_translation,omitempty"`
	} `json:"items"`
}

func (s *Server) translateHandler(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no items to translate"})
		return
	}
	items := make([]model.TranslatableItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.TranslatableItem{
			ID:                  it.ID,
			SourceText:          it.SourceText,
			Context:             it.Context,
			ExistingTranslation: it.ExistingTranslation,
		})
	}

	n, err := s.sched.StartBatch(items, req.TargetLanguage, req.ForceRegeneration)
	switch {
	case errors.Is(err, domain.ErrBatchNotIdle):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidConfig):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case err != nil:
		s.log.Error().Err(err).Msg("batch start failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"admitted": n,
			"cached":   len(items) - n,
		})
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    s.status.Batch(),
		"strategy": s.status.Strategy(),
		"cache": map[string]any{
			"entries": s.cache.Len(),
			"dirty":   s.cache.Dirty(),
		},
	})
}

func (s *Server) cancelHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.status.Batch().Running {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no batch running"})
		return
	}
	s.log.Info().Msg("cancel requested via admin api")
	s.sched.Cancel(false)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
