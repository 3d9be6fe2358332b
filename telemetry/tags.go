// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// routeKey is the context key for propagating the route to background goroutines.
	routeKey contextKey = "route"
)

// Result is the handler-level outcome attached to a request.
type Result string

const (
	ResultAccepted     Result = "accepted"
	ResultVerified     Result = "verified"
	ResultRejected     Result = "rejected"
	ResultUnauthorized Result = "unauthorized"
	ResultNA           Result = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route    string
	Result   Result
	Endpoint string
	Messages int
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetResult sets the handler outcome for logging.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetRoute sets the route tag for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetMessages records how many messages a webhook delivery carried.
func SetMessages(r *http.Request, n int) {
	if tags := GetTags(r); tags != nil {
		tags.Messages = n
	}
}

// RouteFromContext retrieves the route from a context.
// It checks both background contexts (set by WithRouteContext) and
// request contexts (set by SetRoute via InjectTags).
func RouteFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(routeKey).(string); ok && p != "" {
		return p
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Route
	}
	return ""
}

// WithRouteContext returns a context with the route stored.
// Use this to propagate the route into goroutines that outlive the request context.
func WithRouteContext(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}
