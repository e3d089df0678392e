package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tagdoc/api/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if s.service.preserve != nil {
			checks["redis"] = map[string]any{"status": "ok"}
			if err := s.service.PreservePing(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
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
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/view":
		s.handleView(w, r, session)
	case r.Method == http.MethodGet && r.URL.Path == "/api/states":
		payload, err := s.service.ListStates(r.Context())
		s.respond(w, r, payload, err)
	case r.Method == http.MethodGet && r.URL.Path == "/api/search":
		s.handleSearch(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/state/history":
		s.handleStateHistory(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/state/at/"):
		hash := strings.TrimPrefix(r.URL.Path, "/api/state/at/")
		payload, err := s.service.StateAt(r.Context(), r.URL.Query().Get("state"), hash)
		s.respond(w, r, payload, err)
	case r.Method == http.MethodGet && r.URL.Path == "/api/state/export":
		name, html, err := s.service.ExportState(r.Context(), r.URL.Query().Get("state"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.html"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(html))
	case r.Method == http.MethodGet && r.URL.Path == "/api/state/backups":
		payload, err := s.service.ListBackups(r.Context(), r.URL.Query().Get("state"))
		s.respond(w, r, payload, err)
	case r.Method == http.MethodGet && r.URL.Path == "/api/tag/audit":
		limit, err := intQuery(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.TagAudit(r.Context(), r.URL.Query().Get("state"), limit)
		s.respond(w, r, payload, err)
	case r.Method == http.MethodPost:
		s.handlePost(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request, session Session) {
	ctx := r.Context()
	actor := session.UserName

	switch r.URL.Path {
	case "/api/state/create":
		var body struct {
			Name string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.CreateState(ctx, body.Name, actor)
		s.respond(w, r, payload, err)

	case "/api/state/rename":
		var body struct {
			State string `json:"state"`
			Name  string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.RenameState(ctx, body.State, body.Name)
		s.respond(w, r, payload, err)

	case "/api/state/delete":
		var body struct {
			State string `json:"state"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.DeleteState(ctx, body.State, actor)
		s.respond(w, r, payload, err)

	case "/api/state/backups/restore":
		var body struct {
			State string `json:"state"`
			Key   string `json:"key"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.RestoreBackup(ctx, body.State, body.Key, actor)
		s.respond(w, r, payload, err)

	case "/api/tags/create":
		var body struct {
			State    string `json:"state"`
			Name     string `json:"name"`
			Category string `json:"category"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.CreateTag(ctx, body.State, body.Name, body.Category, actor)
		s.respond(w, r, payload, err)

	case "/api/tags/rename":
		var body struct {
			State string `json:"state"`
			Old   string `json:"old"`
			New   string `json:"new"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.RenameTag(ctx, body.State, body.Old, body.New, actor)
		s.respond(w, r, payload, err)

	case "/api/tags/delete":
		var body struct {
			State string `json:"state"`
			Name  string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.DeleteTag(ctx, body.State, body.Name, actor)
		s.respond(w, r, payload, err)

	case "/api/tag/move":
		var body struct {
			State        string `json:"state"`
			Tag          string `json:"tag"`
			FromCategory string `json:"fromCategory"`
			ToCategory   string `json:"toCategory"`
			TargetTag    string `json:"targetTag"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.MoveTag(ctx, body.State, body.Tag, body.FromCategory, body.ToCategory, body.TargetTag, actor)
		s.respond(w, r, payload, err)

	case "/api/tag/remove-component":
		var body struct {
			State     string `json:"state"`
			Tag       string `json:"tag"`
			Component string `json:"component"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.RemoveTagComponent(ctx, body.State, body.Tag, body.Component, actor)
		s.respond(w, r, payload, err)

	case "/api/tag/remove-from-category":
		var body struct {
			State    string `json:"state"`
			Tag      string `json:"tag"`
			Category string `json:"category"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.RemoveTagFromCategory(ctx, body.State, body.Tag, body.Category, actor)
		s.respond(w, r, payload, err)

	case "/api/category/create":
		var body struct {
			State string `json:"state"`
			Name  string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.AddCategory(ctx, body.State, body.Name, actor)
		s.respond(w, r, payload, err)

	case "/api/category/rename":
		var body struct {
			State string `json:"state"`
			ID    string `json:"id"`
			Name  string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.RenameCategory(ctx, body.State, body.ID, body.Name, actor)
		s.respond(w, r, payload, err)

	case "/api/category/delete":
		var body struct {
			State string `json:"state"`
			ID    string `json:"id"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.DeleteCategory(ctx, body.State, body.ID, actor)
		s.respond(w, r, payload, err)

	case "/api/section/create":
		var body struct {
			State string `json:"state"`
			SectionInput
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.AddSection(ctx, body.State, body.SectionInput, actor)
		s.respond(w, r, payload, err)

	case "/api/section/update":
		var body struct {
			State string `json:"state"`
			ID    string `json:"id"`
			SectionInput
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateSection(ctx, body.State, body.ID, body.SectionInput, actor)
		s.respond(w, r, payload, err)

	case "/api/section/delete":
		var body struct {
			State string `json:"state"`
			ID    string `json:"id"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.DeleteSection(ctx, body.State, body.ID, actor)
		s.respond(w, r, payload, err)

	case "/api/note/create":
		var body struct {
			State     string `json:"state"`
			SectionID string `json:"sectionId"`
			NoteInput
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.AddNote(ctx, body.State, body.SectionID, body.NoteInput, actor)
		s.respond(w, r, payload, err)

	case "/api/note/update":
		var body struct {
			State     string `json:"state"`
			SectionID string `json:"sectionId"`
			ID        string `json:"id"`
			NoteInput
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateNote(ctx, body.State, body.SectionID, body.ID, body.NoteInput, actor)
		s.respond(w, r, payload, err)

	case "/api/note/delete":
		var body struct {
			State     string `json:"state"`
			SectionID string `json:"sectionId"`
			ID        string `json:"id"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.DeleteNote(ctx, body.State, body.SectionID, body.ID, actor)
		s.respond(w, r, payload, err)

	case "/api/view-state/collapse":
		var body struct {
			State     string `json:"state"`
			ID        string `json:"id"`
			Collapsed bool   `json:"collapsed"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SetCollapsed(ctx, session.UserID, body.State, body.ID, body.Collapsed)
		s.respond(w, r, payload, err)

	case "/api/view-state/complete":
		var body struct {
			State     string `json:"state"`
			NoteID    string `json:"noteId"`
			Completed bool   `json:"completed"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SetCompleted(ctx, session.UserID, body.State, body.NoteID, body.Completed)
		s.respond(w, r, payload, err)

	case "/api/preserve/save":
		var body struct {
			EditorType string `json:"editorType"`
			Content    string `json:"content"`
			FormID     string `json:"formId"`
			PagePath   string `json:"pagePath"`
			Reason     string `json:"reason"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.PreserveSave(ctx, body.EditorType, body.Content, body.FormID, body.PagePath, body.Reason)
		s.respond(w, r, payload, err)

	case "/api/preserve/restore":
		var body struct {
			EditorType string `json:"editorType"`
			FormID     string `json:"formId"`
			PagePath   string `json:"pagePath"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.PreserveRestore(ctx, body.EditorType, body.FormID, body.PagePath)
		s.respond(w, r, payload, err)

	case "/api/preserve/clear":
		var body struct {
			EditorType string `json:"editorType"`
			FormID     string `json:"formId"`
			PagePath   string `json:"pagePath"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.PreserveClear(ctx, body.EditorType, body.FormID, body.PagePath)
		s.respond(w, r, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleView(w http.ResponseWriter, r *http.Request, session Session) {
	state := r.URL.Query().Get("state")
	filterTokens := r.URL.Query()["filter"]
	// Comma-joined filter values are accepted alongside repeated params.
	var tokens []string
	for _, raw := range filterTokens {
		tokens = append(tokens, strings.Split(raw, ",")...)
	}
	payload, err := s.service.GetView(r.Context(), state, tokens, session.UserID)
	s.respond(w, r, payload, err)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	payload, err := s.service.Search(
		r.Context(),
		q,
		strings.TrimSpace(r.URL.Query().Get("type")),
		strings.TrimSpace(r.URL.Query().Get("state")),
		strings.TrimSpace(r.URL.Query().Get("tag")),
		limit,
		offset,
	)
	s.respond(w, r, payload, err)
}

func (s *HTTPServer) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	payload, err := s.service.StateHistory(r.Context(), r.URL.Query().Get("state"), limit)
	s.respond(w, r, payload, err)
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

// respond writes a service payload or translates the error.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return parsed, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
