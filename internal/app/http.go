package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"stash/api/internal/logger"
	"stash/api/internal/session"
	"stash/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log logger.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
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

		ready, checks := s.service.ReadyChecks(ctx)
		statusCode := http.StatusOK
		status := "ready"
		if !ready {
			statusCode = http.StatusServiceUnavailable
			status = "not_ready"
		}
		writeJSON(w, statusCode, map[string]any{"ok": ready, "status": status, "checks": checks})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if token := bearerToken(r); token != "" {
			_ = s.service.SignOut(r.Context(), token)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		ident, err := s.service.IdentityFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        ident.UserID,
			"isAdmin":       ident.IsAdmin,
		})
		return
	}

	ident, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, ident)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/metadata/preview" {
		var body struct {
			URL string `json:"url"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		payload, err := s.service.MetadataPreview(r.Context(), body.URL)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}
	apiParts := parts[1:]

	// Admin user management.
	if apiParts[0] == "users" {
		if !ident.IsAdmin {
			writeError(w, http.StatusForbidden, codePermission, "Insufficient permission", nil)
			return
		}
		s.handleCollection(w, r, ident, store.TypeUser, "", apiParts[1:])
		return
	}

	if apiParts[0] == "workspaces" {
		switch len(apiParts) {
		case 1, 2:
			s.handleCollection(w, r, ident, store.TypeWorkspace, "", apiParts[1:])
			return
		case 3:
			workspaceID := apiParts[1]
			switch apiParts[2] {
			case "tags":
				s.handleCollection(w, r, ident, store.TypeTag, workspaceID, nil)
				return
			case "items":
				s.handleCollection(w, r, ident, store.TypeItem, workspaceID, nil)
				return
			}
		}
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	if apiParts[0] == "tags" && len(apiParts) == 2 {
		s.handleResourceByID(w, r, ident, store.TypeTag, apiParts[1])
		return
	}

	if apiParts[0] == "items" {
		switch len(apiParts) {
		case 2:
			s.handleResourceByID(w, r, ident, store.TypeItem, apiParts[1])
			return
		case 3:
			itemID := apiParts[1]
			switch {
			case apiParts[2] == "assets" && r.Method == http.MethodGet:
				payload, err := s.service.ItemAssets(r.Context(), ident, itemID)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
				return
			case apiParts[2] == "metadata" && r.Method == http.MethodPost:
				if err := s.service.TriggerMetadata(r.Context(), ident, itemID); err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusAccepted, map[string]any{"id": itemID})
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
}

// handleCollection serves find and create on a resource collection,
// plus id-targeted methods when the trailing path part carries an id.
func (s *HTTPServer) handleCollection(w http.ResponseWriter, r *http.Request, ident session.Identity, resourceType, workspaceID string, rest []string) {
	if len(rest) == 1 && rest[0] != "" {
		s.handleResourceByID(w, r, ident, resourceType, rest[0])
		return
	}
	if len(rest) > 1 {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		results, err := s.service.FindResources(r.Context(), ident, resourceType, workspaceID, r.URL.Query())
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": resourcePayloads(results)})

	case http.MethodPost:
		body, err := decodeFields(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		resource, err := s.service.CreateResource(r.Context(), ident, resourceType, workspaceID, body)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": resource.ID})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleResourceByID(w http.ResponseWriter, r *http.Request, ident session.Identity, resourceType, id string) {
	switch r.Method {
	case http.MethodGet:
		resource, err := s.service.GetResource(r.Context(), ident, resourceType, id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": resourcePayload(resource)})

	case http.MethodPatch:
		partial, err := decodeFields(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
			return
		}
		resource, err := s.service.UpdateResource(r.Context(), ident, resourceType, id, partial)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": resource.ID})

	case http.MethodDelete:
		if err := s.service.DeleteResource(r.Context(), ident, resourceType, id); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, ident session.Identity) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace"))
	payload, err := s.service.SearchItems(r.Context(), ident, text, workspaceID, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
		return
	}
	result, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error(), nil)
		return
	}
	result, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
		return session.Identity{}, false
	}
	ident, err := s.service.IdentityFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return session.Identity{}, false
	}
	return ident, true
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
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

		s.log.Info("http_request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	inner := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		inner["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": inner})
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

func decodeFields(r *http.Request) (map[string]any, error) {
	fields := map[string]any{}
	if err := decodeBody(r, &fields); err != nil {
		return nil, err
	}
	return fields, nil
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

func resourcePayload(resource store.Resource) map[string]any {
	payload := resource.Clone().Fields
	if payload == nil {
		payload = map[string]any{}
	}
	payload["id"] = resource.ID
	// Credentials never leave the server.
	delete(payload, "passwordHash")
	return payload
}

func resourcePayloads(resources []store.Resource) []map[string]any {
	out := make([]map[string]any, 0, len(resources))
	for _, resource := range resources {
		out = append(out, resourcePayload(resource))
	}
	return out
}
