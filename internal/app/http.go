package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(s.corsOrigin),
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:         300,
	}))
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/session", s.handleSession)
	r.Post("/api/session/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/api/events", s.handleEvents)
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/audit", s.handleAudit)
		r.Get("/api/merges", s.handleListMerges)

		r.Get("/api/snapshot", s.handleGetSnapshot)
		r.Put("/api/snapshot", s.handleRestoreSnapshot)
		r.Post("/api/publish", s.handlePublish)
		r.Get("/api/publish/history", s.handlePublishHistory)
		r.Get("/api/publish/{hash}", s.handlePublishedSnapshot)

		r.Get("/api/fields", s.handleListFields)
		r.Route("/api/fields/{field}", func(r chi.Router) {
			r.Get("/", s.handleGetField)
			r.Put("/", s.handleUpdateField)
			r.Get("/consensus", s.handleFieldConsensus)
			r.Get("/export", s.handleExport)
		})

		r.Route("/api/buckets/{field}/{category}", func(r chi.Router) {
			r.Get("/consensus", s.handleBucketConsensus)
			r.Get("/duplicates", s.handleDuplicates)

			r.Get("/suggestions", s.handleListSuggestions)
			r.Post("/suggestions", s.handleAddSuggestion)
			r.Route("/suggestions/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSuggestion)
				r.Patch("/", s.handleEditSuggestion)
				r.Delete("/", s.handleDeleteSuggestion)
				r.Post("/votes", s.handleVote)
				r.Get("/votes/me", s.handleMyVote)
				r.Get("/comments", s.handleListComments)
				r.Post("/comments", s.handleAddComment)
				r.Patch("/comments/{commentID}", s.handleEditComment)
				r.Delete("/comments/{commentID}", s.handleDeleteComment)
			})

			r.Post("/merges", s.handleAddMerge)
			r.Patch("/merges/{from}", s.handleEditMergeNote)
			r.Delete("/merges/{from}", s.handleDetachMerge)
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":       status == "ready",
		"status":   status,
		"checks":   checks,
		"revision": s.service.Engine().Revision(),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"role":          session.Role,
		"expiresAt":     session.ExpiresAt.UTC(),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			if err := s.service.Logout(r.Context(), session); err != nil {
				s.fail(w, r, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		FieldKey: strings.TrimSpace(query.Get("field")),
		Limit:    queryInt(query.Get("limit"), 20),
		Offset:   queryInt(query.Get("offset"), 0),
	}
	if q.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", map[string]any{"field": "q"})
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entries, err := s.service.Audit(r.Context(), strings.TrimSpace(query.Get("field")), queryInt(query.Get("limit"), 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"id":           entry.ID,
			"revision":     entry.Revision,
			"op":           entry.Op,
			"fieldKey":     entry.FieldKey,
			"suggestionId": entry.SuggestionID,
			"actor":        entry.Actor,
			"occurredAt":   entry.OccurredAt,
		}
		if entry.CategoryIndex != nil {
			item["categoryIndex"] = *entry.CategoryIndex
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.service.Engine().Snapshot()
	fingerprint, err := snap.Fingerprint()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("X-Snapshot-Fingerprint", fingerprint)
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap annotation.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Restore(sessionFrom(r), snap); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": s.service.Engine().Revision()})
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Publish(r.Context(), sessionFrom(r), strings.TrimSpace(body.Message))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Unchanged {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) handlePublishHistory(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.PublishHistory(queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": commits})
}

func (s *HTTPServer) handlePublishedSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, info, err := s.service.PublishedSnapshot(chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commit": info, "snapshot": snap})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	changes, cancel, err := s.service.Events(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		s.log.Warn("event stream not supported", zap.Error(err))
		return
	}
	if err := sendEvent(rc, w, "connected", map[string]any{"revision": s.service.Engine().Revision()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := sendEvent(rc, w, "change", change); err != nil {
				return
			}
		case at := <-heartbeat.C:
			if err := sendEvent(rc, w, "heartbeat", map[string]any{"at": at.UTC()}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func sendEvent(rc *http.ResponseController, w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	_ = rc.SetWriteDeadline(time.Now().Add(60 * time.Second))
	return nil
}

type sessionKey struct{}

func (s *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// EventSource clients cannot set headers.
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("X-Request-ID", requestID)

		// CORS preflights never get here; other OPTIONS requests get an
		// empty answer.
		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func queryInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

