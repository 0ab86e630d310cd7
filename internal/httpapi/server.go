package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astridlabs/astrid/internal/config"
	"github.com/astridlabs/astrid/internal/dialogue"
	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/memory"
	"github.com/astridlabs/astrid/internal/observability"
	"github.com/astridlabs/astrid/internal/protocol"
	"github.com/astridlabs/astrid/internal/session"
)

// Orchestrator is the turn pipeline as the HTTP layer sees it.
type Orchestrator interface {
	HandleTurn(ctx context.Context, sessionID, personaID, userInput string) (dialogue.TurnResult, error)
	HandleTurnStream(ctx context.Context, sessionID, personaID, userInput string, onDelta gateway.DeltaHandler) (dialogue.TurnResult, error)
	SearchMemory(ctx context.Context, sessionID, query string, k int) ([]memory.RankedRecord, error)
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive a user's chat
				// session if the service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Post("/v1/chat/turn", s.handleTurn)
	r.Get("/v1/chat/stream", s.handleChatWS)
	r.Get("/v1/memory/search", s.handleMemorySearch)
	r.Get("/v1/ops/turn-stages", s.handleTurnStages)
	r.Post("/v1/ops/turn-stages/reset", s.handleTurnStagesReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		req.PersonaID = s.cfg.DefaultPersona
	}

	sess := s.sessions.Create(req.UserID, req.PersonaID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		PersonaID:       sess.PersonaID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type turnRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// handleTurn is the synchronous, non-streaming turn endpoint.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and text are required")
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	// Mark the turn active before running it so ActiveTurnID is observable
	// while the pipeline is in flight.
	turnID := uuid.NewString()
	if err := s.sessions.StartTurn(sess.ID, turnID); err != nil {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}
	result, err := s.orchestrator.HandleTurn(r.Context(), sess.ID, sess.PersonaID, req.Text)
	s.sessions.FinishTurn(sess.ID, turnID)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if sessionID == "" || query == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id and q are required")
		return
	}
	k := 8
	if raw := strings.TrimSpace(r.URL.Query().Get("k")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "k must be a positive integer")
			return
		}
		k = parsed
	}

	// Introspection counts as session activity for the inactivity janitor.
	_ = s.sessions.Touch(sessionID)

	records, err := s.orchestrator.SearchMemory(r.Context(), sessionID, query, k)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "memory_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"records":    records,
	})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the outbound
			// queue is saturated.
		}
	}

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.ClientTurn:
			s.runStreamedTurn(ctx, sess, msg, send)
		case protocol.ClientControl:
			if msg.Action == "end" {
				if _, err := s.sessions.End(sessionID); err == nil {
					s.metrics.SessionEvents.WithLabelValues("ended").Inc()
				}
				send(protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: sessionID,
					Code:      "session_ended",
				})
				break readLoop
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) runStreamedTurn(ctx context.Context, sess *session.Session, msg protocol.ClientTurn, send func(any)) {
	turnID := uuid.NewString()
	if err := s.sessions.StartTurn(sess.ID, turnID); err != nil {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "session_ended",
			Source:    "gateway",
			Retryable: false,
			Detail:    "session is no longer active",
		})
		return
	}
	result, err := s.orchestrator.HandleTurnStream(ctx, sess.ID, sess.PersonaID, msg.Text, func(delta string) error {
		send(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: sess.ID,
			TextDelta: delta,
		})
		return ctx.Err()
	})
	s.sessions.FinishTurn(sess.ID, turnID)

	if err != nil {
		code := "generation_failed"
		retryable := true
		var perr *gateway.ProviderError
		if errors.As(err, &perr) {
			code, retryable = perr.Code, perr.Retryable
		}
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      code,
			Source:    "provider",
			Retryable: retryable,
			Detail:    result.ReplyText,
		})
		return
	}

	if result.MemoryWrites > 0 {
		send(protocol.MemoryEvent{
			Type:      protocol.TypeMemoryEvent,
			SessionID: sess.ID,
			TurnID:    result.TurnID,
			Kind:      "written",
			Detail:    strconv.Itoa(result.MemoryWrites),
		})
	}
	send(protocol.AssistantTurnEnd{
		Type:         protocol.TypeAssistantTurnEnd,
		SessionID:    sess.ID,
		TurnID:       result.TurnID,
		Reason:       string(result.State),
		Degraded:     result.Degraded,
		MemoryWrites: result.MemoryWrites,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.MemoryEvent:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
