package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/observability"
	"github.com/fairyhunter13/vertex-balancer/internal/dispatch"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
	"github.com/fairyhunter13/vertex-balancer/internal/translator"
)

// Server holds handler dependencies.
type Server struct {
	Engine   *dispatch.Engine
	Targets  domain.TargetStore
	Settings domain.SettingsSource
}

// NewServer constructs the handler set.
func NewServer(engine *dispatch.Engine, targets domain.TargetStore, settings domain.SettingsSource) *Server {
	return &Server{Engine: engine, Targets: targets, Settings: settings}
}

// ChatCompletions serves POST /v1/chat/completions.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	lg := LoggerFrom(r)

	var req translator.ChatCompletionRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, domain.KindInvalidRequest, "request body is not valid JSON")
		return
	}
	if req.Model == "" {
		writeErrorKind(w, http.StatusBadRequest, domain.KindInvalidRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeErrorKind(w, http.StatusBadRequest, domain.KindInvalidRequest, "messages must not be empty")
		return
	}

	meta := dispatch.RequestMeta{
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        ClientIP(r),
		Start:     time.Now(),
		Logger:    lg,
	}
	if derr := s.Engine.Execute(r.Context(), w, &req, meta); derr != nil {
		writeDispatchError(w, derr)
	}
}

// Models serves GET /v1/models: one entry per active target. A cooldown or
// exhausted daily quota is a dispatch concern, not a listing one, so such
// targets stay visible here.
func (s *Server) Models(w http.ResponseWriter, r *http.Request) {
	active := true
	targets, err := s.Targets.List(r.Context(), domain.TargetFilter{Active: &active})
	if err != nil {
		LoggerFrom(r).Error("target list failed", "error", err)
		writeErrorKind(w, http.StatusInternalServerError, domain.KindUnknownUpstream, "could not list targets")
		return
	}
	now := time.Now()
	eligible := 0
	for i := range targets {
		if targets[i].EligibleAt(now) {
			eligible++
		}
	}
	observability.SetEligibleTargets(eligible)
	if len(targets) == 0 {
		writeErrorKind(w, http.StatusServiceUnavailable, domain.KindNoTargets, "no targets available")
		return
	}
	out := translator.ModelList{Object: "list", Data: make([]translator.ModelInfo, 0, len(targets))}
	for i := range targets {
		out.Data = append(out.Data, translator.ModelInfo{
			ID:      targets[i].ModelID(),
			Object:  "model",
			OwnedBy: "google",
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz is the liveness probe.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe; it requires a reachable store.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Settings.Snapshot(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
