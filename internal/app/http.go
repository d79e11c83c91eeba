package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"admissions/api/internal/auth"
	"admissions/api/internal/rbac"
	"admissions/api/internal/search"
)

const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.log.Info("request denied",
		zap.String("request_id", requestID(r.Context())),
		zap.String("user_id", session.User.ID),
		zap.String("role", session.User.Role),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// fail maps err to a response; unexpected errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
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
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.User.ID,
			"firstname":     session.User.Firstname,
			"lastname":      session.User.Lastname,
			"role":          session.User.Role,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "threads":
		if len(parts) >= 3 {
			s.handleThread(w, r, session, parts[2], parts[3:])
			return
		}
	case "students":
		if len(parts) == 4 {
			s.handleStudent(w, r, session, parts[2], parts[3])
			return
		}
	case "applications":
		if len(parts) == 4 && parts[3] == "threads" && r.Method == http.MethodPost {
			var body struct {
				FileType string `json:"fileType"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.InitApplicationThread(r.Context(), session.User, parts[2], body.FileType)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		if len(parts) == 4 && parts[3] == "interview" && r.Method == http.MethodPost {
			payload, err := s.service.InitInterview(r.Context(), session.User, parts[2])
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
	case "interviews":
		if len(parts) == 4 && parts[3] == "trainers" && r.Method == http.MethodPut {
			submitted, ok := decodeMembers(w, r)
			if !ok {
				return
			}
			payload, err := s.service.AssignInterviewTrainers(r.Context(), session.User, parts[2], submitted)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	case "escalations":
		if len(parts) == 2 && r.Method == http.MethodGet {
			opts, err := escalationOptions(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
				return
			}
			sections, err := s.service.MyEscalations(r.Context(), session.User, opts)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"students": sections})
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r, session)
			return
		}
	case "admin":
		if len(parts) == 3 && parts[2] == "thread-links" {
			s.handleThreadLinks(w, r, session)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleThread(w http.ResponseWriter, r *http.Request, session Session, threadID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetThread(ctx, session.User, threadID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if !s.service.Can(session.User.Role, rbac.ActionDelete) {
				s.forbid(w, r, session, rbac.ActionDelete)
				return
			}
			if err := s.service.DeleteThread(ctx, session.User, threadID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case rest[0] == "final" && len(rest) == 1 && r.Method == http.MethodPut:
		if !s.service.Can(session.User.Role, rbac.ActionFinalize) {
			s.forbid(w, r, session, rbac.ActionFinalize)
			return
		}
		var body struct {
			ApplicationID string `json:"applicationId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetFinal(ctx, session.User, threadID, strings.TrimSpace(body.ApplicationID))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case rest[0] == "messages" && len(rest) == 1 && r.Method == http.MethodPost:
		input, cleanup, err := readMessageInput(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		defer cleanup()
		payload, err := s.service.PostMessage(ctx, session.User, threadID, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case rest[0] == "messages" && len(rest) == 2 && r.Method == http.MethodDelete:
		if err := s.service.DeleteMessage(ctx, session.User, threadID, rest[1]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case rest[0] == "messages" && len(rest) == 3 && rest[2] == "ignored" && r.Method == http.MethodPut:
		var body struct {
			Ignored bool `json:"ignored"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetMessageIgnored(ctx, session.User, threadID, rest[1], body.Ignored); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": body.Ignored})

	case rest[0] == "flag" && len(rest) == 1 && r.Method == http.MethodPost:
		flagged, err := s.service.ToggleFlag(ctx, session.User, threadID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flagged": flagged})

	case rest[0] == "writers" && len(rest) == 1 && r.Method == http.MethodPut:
		submitted, ok := decodeMembers(w, r)
		if !ok {
			return
		}
		payload, err := s.service.AssignEssayWriters(ctx, session.User, threadID, submitted)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case rest[0] == "files" && len(rest) == 2 && r.Method == http.MethodGet:
		reader, err := s.service.OpenAttachment(ctx, session.User, threadID, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		defer reader.Close()
		contentType := mime.TypeByExtension(path.Ext(rest[1]))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rest[1]}))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, reader); err != nil {
			s.log.Warn("attachment stream interrupted", zap.String("thread_id", threadID), zap.Error(err))
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleStudent(w http.ResponseWriter, r *http.Request, session Session, studentID, resource string) {
	ctx := r.Context()

	switch {
	case resource == "threads" && r.Method == http.MethodPost:
		var body struct {
			FileType string `json:"fileType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.InitGeneralThread(ctx, session.User, studentID, body.FileType)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case (resource == "agents" || resource == "editors") && r.Method == http.MethodPut:
		if !s.service.Can(session.User.Role, rbac.ActionAssign) {
			s.forbid(w, r, session, rbac.ActionAssign)
			return
		}
		submitted, ok := decodeMembers(w, r)
		if !ok {
			return
		}
		assign := s.service.AssignStudentAgents
		if resource == "editors" {
			assign = s.service.AssignStudentEditors
		}
		payload, err := assign(ctx, session.User, studentID, submitted)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case resource == "escalations" && r.Method == http.MethodGet:
		opts, err := escalationOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		payload, err := s.service.StudentEscalations(ctx, session.User, studentID, opts)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case resource == "deadline" && r.Method == http.MethodGet:
		label, err := s.service.NearestDeadline(ctx, session.User, studentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"studentId": studentID, "deadline": label})

	case resource == "audit" && r.Method == http.MethodGet:
		limit, _ := strconv.ParseUint(r.URL.Query().Get("limit"), 10, 64)
		records, err := s.service.Audit(ctx, session.User, studentID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		entries := make([]map[string]any, 0, len(records))
		for _, record := range records {
			entries = append(entries, map[string]any{
				"id":                     record.ID,
				"performedBy":            record.PerformedBy,
				"targetUserId":           record.TargetUserID,
				"targetDocumentThreadId": record.TargetDocumentThreadID,
				"interviewThreadId":      record.InterviewThreadID,
				"action":                 record.Action,
				"field":                  record.Field,
				"changes":                map[string]any{"before": record.Before, "after": record.After},
				"createdAt":              record.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": entries})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	q := search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		FileType: strings.TrimSpace(query.Get("fileType")),
		Limit:    20,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 100 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be between 1 and 100", nil)
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must not be negative", nil)
			return
		}
		q.Offset = offset
	}
	if q.Text == "" {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}})
		return
	}
	response, err := s.service.SearchThreads(r.Context(), session.User, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleThreadLinks(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.Can(session.User.Role, rbac.ActionAdmin) {
		s.forbid(w, r, session, rbac.ActionAdmin)
		return
	}
	var repair bool
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		repair = true
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	mismatches, err := s.service.ReconcileThreadLinks(r.Context(), repair)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(mismatches))
	for _, m := range mismatches {
		items = append(items, map[string]any{
			"threadId":    m.ThreadID,
			"ownerType":   m.OwnerType,
			"ownerId":     m.OwnerID,
			"threadFinal": m.ThreadFinal,
			"linkFinal":   m.LinkFinal,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mismatches": items, "repaired": repair})
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
		s.log.Error("session lookup failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeMembers reads a {"userId": true|false} assignment body.
func decodeMembers(w http.ResponseWriter, r *http.Request) (map[string]bool, bool) {
	var submitted map[string]bool
	if err := decodeBody(r, &submitted); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return nil, false
	}
	if submitted == nil {
		submitted = map[string]bool{}
	}
	return submitted, true
}

// readMessageInput accepts either a multipart form ("message" plus "files")
// or a JSON body {"message": "..."}. The returned func closes opened files.
func readMessageInput(r *http.Request) (PostMessageInput, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			return PostMessageInput{}, noop, err
		}
		return PostMessageInput{Body: body.Message}, noop, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return PostMessageInput{}, noop, fmt.Errorf("invalid multipart body")
	}
	input := PostMessageInput{Body: r.FormValue("message")}
	var closers []io.Closer
	cleanup := func() {
		for _, c := range closers {
			_ = c.Close()
		}
		_ = r.MultipartForm.RemoveAll()
	}
	for _, header := range r.MultipartForm.File["files"] {
		file, err := header.Open()
		if err != nil {
			cleanup()
			return PostMessageInput{}, noop, fmt.Errorf("open upload %s: %w", header.Filename, err)
		}
		closers = append(closers, file)
		input.Files = append(input.Files, Upload{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        file,
		})
	}
	return input, cleanup, nil
}

func escalationOptions(r *http.Request) (EscalationOptions, error) {
	var opts EscalationOptions
	query := r.URL.Query()
	if raw := query.Get("age"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("age must be an integer")
		}
		opts.AgeDays = &value
	}
	if raw := query.Get("trigger"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("trigger must be an integer")
		}
		opts.DeadlineTriggerDays = &value
	}
	return opts, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(urlPath string) []string {
	trimmed := strings.Trim(urlPath, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
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
