package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commonplace/api/internal/search"
	"commonplace/api/internal/store"
	"commonplace/api/internal/visibility"
)

const maxBodyBytes = 2 << 20

type HTTPServer struct {
	service    *Service
	searcher   Searcher
	corsOrigin string
}

// NewHTTPServer wires the API surface. searcher may be nil when search is
// not configured; the endpoint then returns empty results.
func NewHTTPServer(service *Service, searcher Searcher, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, searcher: searcher, corsOrigin: corsOrigin}
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

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "entries":
		s.handleEntries(w, r, parts[2:])
	case "conversations":
		s.handleConversations(w, r, parts[2:])
	case "summaries":
		s.handleSummaries(w, r, parts[2:])
	case "inbox":
		s.handleInbox(w, r)
	case "search":
		s.handleSearch(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleEntries(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		author, ok := s.requireAuthor(w, r)
		if !ok {
			return
		}
		payload, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		e, err := s.service.WriteEntry(r.Context(), author, payload)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, entryPayload(e))

	case r.Method == http.MethodGet && len(rest) == 0:
		viewer, author := s.identify(r)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.service.Feed(r.Context(), viewer, author.Pseudonym, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payloads := make([]map[string]any, len(entries))
		for i, e := range entries {
			payloads[i] = entryPayload(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": payloads})

	case r.Method == http.MethodGet && len(rest) == 1:
		viewer, author := s.identify(r)
		e, err := s.service.GetEntry(r.Context(), viewer, author.Pseudonym, rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, entryPayload(e))

	case r.Method == http.MethodDelete && len(rest) == 1:
		author, ok := s.requireAuthor(w, r)
		if !ok {
			return
		}
		if err := s.service.DeleteEntry(r.Context(), author, rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		author, ok := s.requireAuthor(w, r)
		if !ok {
			return
		}
		payload, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		c, err := s.service.ImportConversation(r.Context(), author, payload)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, conversationPayload(c))

	case r.Method == http.MethodGet && len(rest) == 1:
		viewer, author := s.identify(r)
		c, err := s.service.GetConversation(r.Context(), viewer, author.Pseudonym, rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, conversationPayload(c))

	case r.Method == http.MethodDelete && len(rest) == 1:
		author, ok := s.requireAuthor(w, r)
		if !ok {
			return
		}
		if err := s.service.DeleteConversation(r.Context(), author, rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSummaries(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodGet || len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case rest[0] == "sessions" && len(rest) == 1:
		pseudonym := strings.TrimSpace(r.URL.Query().Get("author"))
		if pseudonym == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "author is required", nil)
			return
		}
		sums, err := s.service.SessionSummaries(r.Context(), pseudonym)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payloads := make([]map[string]any, len(sums))
		for i, sum := range sums {
			payloads[i] = sessionSummaryPayload(sum)
		}
		writeJSON(w, http.StatusOK, map[string]any{"summaries": payloads})

	case rest[0] == "daily" && len(rest) == 1:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		sums, err := s.service.DailySummaries(r.Context(), limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		payloads := make([]map[string]any, len(sums))
		for i, sum := range sums {
			payloads[i] = dailySummaryPayload(sum)
		}
		writeJSON(w, http.StatusOK, map[string]any{"summaries": payloads})

	case rest[0] == "daily" && len(rest) == 2:
		d, err := s.service.DailySummary(r.Context(), rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, dailySummaryPayload(d))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	viewer, _ := s.identify(r)
	if viewer.Handle == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Viewer handle required", nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.service.InboxList(r.Context(), viewer.Handle, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	viewer, _ := s.identify(r)
	q := search.Query{
		Text:         r.URL.Query().Get("q"),
		FilterAuthor: r.URL.Query().Get("author"),
		FilterType:   search.ResultType(r.URL.Query().Get("type")),
		AIViewer:     viewer.IsAI,
	}
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	q.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	if s.searcher == nil {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: q.Text})
		return
	}
	writeJSON(w, http.StatusOK, s.searcher.Search(q))
}

// identify derives the caller's author identity (from the bearer agent
// secret) and viewer identity (headers). Both are optional here; endpoints
// that need a writer use requireAuthor.
func (s *HTTPServer) identify(r *http.Request) (visibility.Viewer, Author) {
	var author Author
	if secret := bearerToken(r); secret != "" {
		author, _ = s.service.AuthorFromSecret(secret, r.Header.Get("X-Author-Handle"))
	}

	viewer := visibility.Viewer{
		Handle: strings.ToLower(strings.TrimSpace(r.Header.Get("X-Viewer-Handle"))),
		Email:  strings.ToLower(strings.TrimSpace(r.Header.Get("X-Viewer-Email"))),
		IsAI:   author.Pseudonym != "" || strings.EqualFold(r.Header.Get("X-Viewer-Kind"), "ai"),
	}
	if viewer.Handle == "" {
		viewer.Handle = author.Handle
	}
	return viewer, author
}

func (s *HTTPServer) requireAuthor(w http.ResponseWriter, r *http.Request) (Author, bool) {
	author, err := s.service.AuthorFromSecret(bearerToken(r), r.Header.Get("X-Author-Handle"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Author{}, false
	}
	return author, true
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Author-Handle, X-Viewer-Handle, X-Viewer-Email, X-Viewer-Kind")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
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

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("empty body")
	}
	defer r.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return payload, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
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
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func entryPayload(e store.Entry) map[string]any {
	payload := map[string]any{
		"id":              e.ID,
		"authorPseudonym": e.AuthorPseudonym,
		"content":         e.Content,
		"createdAt":       e.CreatedAt,
		"isReflection":    e.IsReflection,
		"visibility":      string(e.Visibility),
		"destinations":    e.Destinations,
		"inReplyTo":       e.InReplyTo,
		"topicHints":      e.TopicHints,
		"pending":         e.PublishAt != nil,
	}
	if e.PublishAt != nil {
		payload["publishAt"] = e.PublishAt
	}
	return payload
}

func sessionSummaryPayload(s store.SessionSummary) map[string]any {
	return map[string]any{
		"id":              s.ID,
		"authorPseudonym": s.AuthorPseudonym,
		"content":         s.Content,
		"entryIds":        s.EntryIDs,
		"startTime":       s.StartTime,
		"endTime":         s.EndTime,
		"createdAt":       s.CreatedAt,
	}
}

func dailySummaryPayload(d store.DailySummary) map[string]any {
	return map[string]any{
		"date":                   d.Date,
		"content":                d.Content,
		"entryCount":             d.EntryCount,
		"contributingPseudonyms": d.ContributingPseudonyms,
		"createdAt":              d.CreatedAt,
	}
}

func conversationPayload(c store.Conversation) map[string]any {
	payload := map[string]any{
		"id":              c.ID,
		"authorPseudonym": c.AuthorPseudonym,
		"title":           c.Title,
		"content":         c.Content,
		"createdAt":       c.CreatedAt,
		"visibility":      string(c.Visibility),
		"pending":         c.PublishAt != nil,
	}
	if c.PublishAt != nil {
		payload["publishAt"] = c.PublishAt
	}
	return payload
}
