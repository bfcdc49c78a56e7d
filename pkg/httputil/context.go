package httputil

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
	OIDCUserCtxKey  ContextKey = "OIDCUser"
	BasicAuthCtxKey ContextKey = "BasicAuth"
	ActorCtxKey     ContextKey = "Actor"
)

// OIDCUser extracts the OIDC user from the request context.
func OIDCUser(r *http.Request) (*oidc.IntrospectionResponse, bool) {
	user, ok := r.Context().Value(OIDCUserCtxKey).(*oidc.IntrospectionResponse)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// BasicAuthUser retrieves the authenticated username from the context.
func BasicAuthUser(r *http.Request) (string, bool) {
	user, ok := r.Context().Value(BasicAuthCtxKey).(string)
	return user, ok
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(RequestIDCtxKey).(string)
	return id
}

// WithActor stores the actor a request acts as.
func WithActor(ctx context.Context, actor table.Actor) context.Context {
	return context.WithValue(ctx, ActorCtxKey, actor)
}

// Actor retrieves the actor set by WithActor.
func Actor(r *http.Request) (table.Actor, bool) {
	actor, ok := r.Context().Value(ActorCtxKey).(table.Actor)
	return actor, ok
}

// BindOrError decodes the JSON body of an HTTP request, r, into the given destination object, dst.
// If decoding fails, it responds with a 400 Bad Request error.
func BindOrError(r *http.Request, w http.ResponseWriter, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return err
	}
	return nil
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	// Details carries per-field problems, e.g. request validation violations.
	Details any `json:"details,omitempty"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string, details ...any) {
	errorResponse := ErrorResponse{
		Code:    statusCode,
		Message: message,
	}
	if len(details) > 0 {
		errorResponse.Details = details[0]
	}
	JSON(w, statusCode, errorResponse)
}
