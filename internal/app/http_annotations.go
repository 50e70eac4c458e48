package app

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/export"
)

func fieldParam(r *http.Request) string {
	field := chi.URLParam(r, "field")
	if unescaped, err := url.PathUnescape(field); err == nil {
		field = unescaped
	}
	return field
}

func bucketParam(r *http.Request) (annotation.BucketKey, error) {
	return annotation.ParseBucketKey(fieldParam(r) + ":" + chi.URLParam(r, "category"))
}

func (s *HTTPServer) fieldView(field string) map[string]any {
	engine := s.service.Engine()
	cfg := engine.Field(field)
	return map[string]any{
		"field":             field,
		"annotated":         cfg.Annotated,
		"closed":            cfg.Closed,
		"settings":          cfg.Settings,
		"effectiveSettings": engine.FieldSettings(field),
	}
}

func (s *HTTPServer) handleListFields(w http.ResponseWriter, r *http.Request) {
	fields := s.service.Engine().Fields()
	items := make([]map[string]any, 0, len(fields))
	for _, field := range fields {
		items = append(items, s.fieldView(field))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetField(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fieldView(fieldParam(r)))
}

func (s *HTTPServer) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Annotated *bool                `json:"annotated"`
		Closed    *bool                `json:"closed"`
		Settings  *annotation.Settings `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	field := fieldParam(r)
	actor := sessionFrom(r).Actor()
	engine := s.service.Engine()

	if body.Settings != nil {
		if err := engine.SetFieldSettings(field, *body.Settings, actor); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if body.Annotated != nil {
		if err := engine.SetFieldAnnotated(field, *body.Annotated, actor); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if body.Closed != nil {
		if err := engine.SetFieldClosed(field, *body.Closed, actor); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.fieldView(field))
}

func (s *HTTPServer) handleFieldConsensus(w http.ResponseWriter, r *http.Request) {
	field := fieldParam(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"field":   field,
		"buckets": s.service.Engine().FieldConsensus(field),
	})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	keep, _ := strconv.ParseBool(query.Get("archive"))
	result, err := s.service.Export(r.Context(), export.Request{Field: fieldParam(r), Format: format}, keep)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleBucketConsensus(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bucket":    key,
		"consensus": s.service.Engine().Consensus(key, nil),
	})
}

func (s *HTTPServer) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	groups := s.service.Engine().Duplicates(key)
	if groups == nil {
		groups = []annotation.DuplicateGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": key, "groups": groups})
}

func (s *HTTPServer) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	suggestions := s.service.Engine().Suggestions(key)
	if suggestions == nil {
		suggestions = []annotation.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": key, "suggestions": suggestions})
}

func (s *HTTPServer) handleAddSuggestion(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body annotation.SuggestionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	engine := s.service.Engine()
	id, err := engine.AddSuggestion(key, body, sessionFrom(r).Actor())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	suggestion, err := engine.Suggestion(key, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, suggestion)
}

func (s *HTTPServer) handleGetSuggestion(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	suggestion, err := s.service.Engine().Suggestion(key, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (s *HTTPServer) handleEditSuggestion(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var patch annotation.SuggestionPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	id := chi.URLParam(r, "id")
	engine := s.service.Engine()
	if err := engine.EditSuggestion(key, id, patch, sessionFrom(r).Actor()); err != nil {
		s.fail(w, r, err)
		return
	}
	suggestion, err := engine.Suggestion(key, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (s *HTTPServer) handleDeleteSuggestion(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	detached, err := s.service.Engine().DeleteSuggestion(key, chi.URLParam(r, "id"), sessionFrom(r).Actor())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if detached == nil {
		detached = []annotation.MergeEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "detachedMerges": detached})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Direction string `json:"direction"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	dir, err := annotation.ParseDirection(strings.ToLower(strings.TrimSpace(body.Direction)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session := sessionFrom(r)
	id := chi.URLParam(r, "id")
	engine := s.service.Engine()
	vote, err := engine.Vote(key, id, session.Actor(), dir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bundle, err := engine.MyBundleVote(key, id, session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vote":      vote,
		"bundle":    bundle,
		"consensus": engine.Consensus(key, nil),
	})
}

func (s *HTTPServer) handleMyVote(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user := sessionFrom(r).UserID
	id := chi.URLParam(r, "id")
	engine := s.service.Engine()
	bundle, err := engine.MyBundleVote(key, id, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"direct": engine.MyVote(key, id, user),
		"bundle": bundle,
	})
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	comments, err := s.service.Engine().Comments(key, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if comments == nil {
		comments = []annotation.Comment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": comments})
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	id, err := s.service.Engine().AddComment(key, chi.URLParam(r, "id"), sessionFrom(r).Actor(), body.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *HTTPServer) handleEditComment(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Engine().EditComment(key, chi.URLParam(r, "id"), chi.URLParam(r, "commentID"), sessionFrom(r).Actor(), body.Text); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.Engine().DeleteComment(key, chi.URLParam(r, "id"), chi.URLParam(r, "commentID"), sessionFrom(r).Actor()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListMerges(w http.ResponseWriter, r *http.Request) {
	merges := s.service.Engine().Merges()
	if merges == nil {
		merges = []annotation.MergeEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": merges})
}

func (s *HTTPServer) handleAddMerge(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		From string `json:"fromSuggestionId"`
		Into string `json:"intoSuggestionId"`
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Engine().AddMerge(key, body.From, body.Into, body.Note, sessionFrom(r).Actor()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *HTTPServer) handleEditMergeNote(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Engine().EditMergeNote(key, chi.URLParam(r, "from"), body.Note, sessionFrom(r).Actor()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDetachMerge(w http.ResponseWriter, r *http.Request) {
	key, err := bucketParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.Engine().DetachMerge(key, chi.URLParam(r, "from"), sessionFrom(r).Actor()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
