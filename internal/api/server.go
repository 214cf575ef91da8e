package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"behaviorwatch/internal/aggregate"
	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/broadcast"
	"behaviorwatch/internal/config"
	"behaviorwatch/internal/dispatch"
	"behaviorwatch/internal/evaluate"
	"behaviorwatch/internal/model"
	"behaviorwatch/internal/session"
)

type Server struct {
	cfg        *config.Manager
	logger     *slog.Logger
	version    string
	sessions   *session.Manager
	states     *aggregate.StateStore
	alerts     *alerts.Store
	dispatcher *dispatch.Dispatcher
	evaluator  *evaluate.Evaluator
	registry   *broadcast.Registry
}

type statusResponse struct {
	Status         string        `json:"status"`
	Time           string        `json:"time"`
	Version        string        `json:"version"`
	ConfigPath     string        `json:"config_path"`
	ActiveSessions int           `json:"active_sessions"`
	Observers      int           `json:"observers"`
	Ingest         ingestStatus  `json:"ingest"`
	Monitor        monitorStatus `json:"monitor"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type monitorStatus struct {
	BufferCapacity   int    `json:"buffer_capacity"`
	AssembleInterval string `json:"assemble_interval"`
	PatternInterval  string `json:"pattern_interval"`
}

func Start(ctx context.Context, cfg *config.Manager, sessions *session.Manager, states *aggregate.StateStore, alertStore *alerts.Store, dispatcher *dispatch.Dispatcher, evaluator *evaluate.Evaluator, registry *broadcast.Registry, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:        cfg,
		logger:     logger,
		version:    version,
		sessions:   sessions,
		states:     states,
		alerts:     alertStore,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		registry:   registry,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/health/worker", server.handleWorkerHealth)
	mux.HandleFunc("/sessions", server.handleSessions)
	mux.HandleFunc("/sessions/", server.handleSession)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/analyze", server.handleAnalyze)
	mux.HandleFunc("/batch", server.handleBatch)
	mux.HandleFunc("/evaluate", server.handleEvaluate)
	mux.HandleFunc("/observers/join", server.handleObserverJoin)
	mux.HandleFunc("/observers/leave", server.handleObserverLeave)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:         "ok",
		Time:           time.Now().UTC().Format(time.RFC3339Nano),
		Version:        s.version,
		ConfigPath:     s.cfg.Path(),
		ActiveSessions: s.sessions.ActiveCount(),
		Observers:      s.registry.Count(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Monitor: monitorStatus{
			BufferCapacity:   cfg.Monitor.BufferCapacity,
			AssembleInterval: cfg.Monitor.AssembleInterval.String(),
			PatternInterval:  cfg.Monitor.PatternInterval.String(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := s.dispatcher.Probe(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.sessions.List()
		writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			SubjectID string `json:"subject_id"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		info, err := s.sessions.Start(req.SubjectID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, info)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSession serves /sessions/{id} and /sessions/{id}/end.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 2 && parts[1] == "end" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		info, err := s.sessions.End(id)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		case errors.Is(err, session.ErrAlreadyEnded):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "session": info})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, info)
		}
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	info, ok := s.sessions.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	states, _ := s.states.Get(id)
	skipped, _ := s.sessions.SkippedTicks(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"session":        info,
		"behavior_state": states,
		"skipped_ticks":  skipped,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Alert
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		list = s.alerts.ListSession(sessionID, limit)
	} else if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

// analyzeRequest tolerates the legacy field casings; they are resolved
// here, once.
type analyzeRequest struct {
	BehaviorType  string `json:"behavior_type"`
	BehaviorTypeA string `json:"behaviorType"`
	Data          json.RawMessage `json:"data"`
	Frame         json.RawMessage `json:"frame"`
	FrameSequence json.RawMessage `json:"frame_sequence"`
}

func (a analyzeRequest) behavior() string {
	if a.BehaviorType != "" {
		return a.BehaviorType
	}
	return a.BehaviorTypeA
}

func (a analyzeRequest) payload() json.RawMessage {
	if a.Data != nil {
		return a.Data
	}
	if a.Frame != nil {
		return a.Frame
	}
	return a.FrameSequence
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.Ingest.MaxPayloadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "payload exceeds size ceiling"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req analyzeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	behavior := req.behavior()
	payload := req.payload()
	if behavior == "" || payload == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "behavior_type and data are required"})
		return
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.dispatcher.Analyze(r.Context(), model.BehaviorType(behavior), data, cfg.Worker.AnalyzeTimeout)
	if err != nil {
		writeJSON(w, dispatchStatus(err), map[string]any{"success": false, "analysis": res})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "analysis": res})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	items, ok := s.readBatch(w, r)
	if !ok {
		return
	}
	results, err := s.evaluator.Batch(r.Context(), items)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"results":        results,
		"total_analyzed": len(results),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	items, ok := s.readBatch(w, r)
	if !ok {
		return
	}
	report, err := s.evaluator.Evaluate(r.Context(), items)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) readBatch(w http.ResponseWriter, r *http.Request) ([]evaluate.Item, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	cfg := s.cfg.Get()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.Ingest.MaxPayloadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "payload exceeds size ceiling"})
			return nil, false
		}
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	var req struct {
		Behaviors []evaluate.Item `json:"behaviors"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	if len(req.Behaviors) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "behaviors list is empty"})
		return nil, false
	}
	return req.Behaviors, true
}

func (s *Server) handleObserverJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ObserverID string `json:"observer_id"`
		SessionID  string `json:"session_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.ObserverID == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "observer_id and session_id are required"})
		return
	}
	if _, ok := s.sessions.Get(req.SessionID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	obs := s.registry.Join(req.ObserverID, req.SessionID)
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleObserverLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ObserverID string `json:"observer_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.registry.Leave(req.ObserverID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func dispatchStatus(err error) int {
	switch dispatch.ErrKind(err) {
	case dispatch.KindTimeout:
		return http.StatusGatewayTimeout
	case dispatch.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case dispatch.KindWorkerFailure, dispatch.KindMalformedOutput:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
