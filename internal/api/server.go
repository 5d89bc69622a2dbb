// Package api serves the guardian's inbound command surface over HTTP.
// Each command maps to one orchestrator operation; status, health,
// version, and Prometheus metrics are served alongside.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/magdala/internal/agent"
	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/buildinfo"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/connwatch"
	"github.com/nugget/magdala/internal/llm"
	"github.com/nugget/magdala/internal/metrics"
	"github.com/nugget/magdala/internal/voice"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// maxRepeat bounds repeat_count on announcements.
const maxRepeat = 5

// Guardian is the orchestrator surface the server drives.
type Guardian interface {
	Ask(ctx context.Context, req agent.AskRequest) agent.AskResponse
	History(conversationID string) []llm.Message
	SetGuardianMode(ctx context.Context, mode string, modules []string) error
	Announce(ctx context.Context, a voice.Announcement) voice.Result
	LearnPattern(ctx context.Context, req agent.PatternRequest) error
	HandleEmergency(ctx context.Context, emergencyType string, details map[string]any) alert.Event
	Status() agent.Status
	OpenAlerts() []alert.Event
}

// Briefer speaks a morning briefing.
type Briefer interface {
	MorningBriefing(ctx context.Context, b voice.Briefing) voice.Result
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP command server.
type Server struct {
	address  string
	port     int
	guardian Guardian
	briefer  Briefer
	services func() []connwatch.ServiceStatus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a server for g.
func NewServer(address string, port int, g Guardian, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		guardian: g,
		logger:   logger.With("component", "api"),
	}
}

// SetBriefer enables POST /v1/briefing.
func (s *Server) SetBriefer(b Briefer) {
	s.briefer = b
}

// SetServiceStatus adds dependency reachability to GET /v1/status.
func (s *Server) SetServiceStatus(fn func() []connwatch.ServiceStatus) {
	s.services = fn
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversation)
	mux.HandleFunc("POST /v1/mode", s.handleMode)
	mux.HandleFunc("POST /v1/announce", s.handleAnnounce)
	mux.HandleFunc("POST /v1/briefing", s.handleBriefing)
	mux.HandleFunc("POST /v1/patterns", s.handlePattern)
	mux.HandleFunc("POST /v1/emergency", s.handleEmergency)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// decode reads a JSON body into v, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Magdala",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports 503 once the orchestrator is offline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.guardian.Status()
	if st.Health == agent.HealthOffline {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]string{"status": string(st.Health)}, s.logger)
}

type statusResponse struct {
	agent.Status
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Services      []connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.guardian.Status()
	resp := statusResponse{Status: st, UptimeSeconds: int64(st.Uptime / time.Second)}
	if s.services != nil {
		resp.Services = s.services()
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"alerts": s.guardian.OpenAlerts()}, s.logger)
}

type askResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req agent.AskRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorResponse(w, http.StatusBadRequest, "prompt is required")
		return
	}
	resp := s.guardian.Ask(r.Context(), req)
	writeJSON(w, askResponse{Response: resp.Response, ConversationID: resp.ConversationID}, s.logger)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs := s.guardian.History(id)
	if msgs == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, map[string]any{"conversation_id": id, "messages": msgs}, s.logger)
}

type modeRequest struct {
	Mode    string   `json:"mode"`
	Modules []string `json:"modules,omitempty"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !config.ValidMode(req.Mode) {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("mode must be one of %s", strings.Join(config.Modes, ", ")))
		return
	}
	for _, m := range req.Modules {
		if !config.ValidModule(m) {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown module %q", m))
			return
		}
	}
	if err := s.guardian.SetGuardianMode(r.Context(), req.Mode, req.Modules); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	st := s.guardian.Status()
	writeJSON(w, map[string]any{"mode": st.Mode, "active_modules": st.ActiveModules}, s.logger)
}

type announceRequest struct {
	Message      string `json:"message"`
	Priority     string `json:"priority,omitempty"`
	Location     string `json:"location,omitempty"`
	RepeatCount  int    `json:"repeat_count,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	p, err := voice.ParsePriority(req.Priority)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RepeatCount < 0 || req.RepeatCount > maxRepeat {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("repeat_count must be between 1 and %d", maxRepeat))
		return
	}
	if req.DelaySeconds < 0 {
		s.errorResponse(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}

	res := s.guardian.Announce(r.Context(), voice.Announcement{
		Message:     req.Message,
		Priority:    p,
		Location:    req.Location,
		RepeatCount: req.RepeatCount,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	writeJSON(w, res, s.logger)
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	if s.briefer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "voice unavailable")
		return
	}
	var b voice.Briefing
	if !s.decode(w, r, &b) {
		return
	}
	writeJSON(w, s.briefer.MorningBriefing(r.Context(), b), s.logger)
}

func (s *Server) handlePattern(w http.ResponseWriter, r *http.Request) {
	var req agent.PatternRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.errorResponse(w, http.StatusBadRequest, "pattern_type is required")
		return
	}
	if req.Data == nil {
		s.errorResponse(w, http.StatusBadRequest, "pattern_data is required")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		s.errorResponse(w, http.StatusBadRequest, "confidence must be between 0 and 1")
		return
	}
	if err := s.guardian.LearnPattern(r.Context(), req); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, agent.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}
		s.errorResponse(w, code, err.Error())
		return
	}
	writeJSON(w, map[string]any{"stored": true, "pattern_type": req.Type}, s.logger)
}

type emergencyRequest struct {
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.errorResponse(w, http.StatusBadRequest, "type is required")
		return
	}
	// Finish sequencing even if the caller hangs up.
	ev := s.guardian.HandleEmergency(context.WithoutCancel(r.Context()), req.Type, req.Details)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, ev, s.logger)
}
