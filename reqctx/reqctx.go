// Package reqctx carries per-request identity through the relay so that every
// log line, cache operation and upstream call can be attributed to the JSON-RPC
// request that triggered it.
package reqctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RequestDetails identifies one JSON-RPC invocation. ConnectionID is set only
// for requests arriving over a websocket connection.
type RequestDetails struct {
	RequestID    string
	ConnectionID string
	IPAddress    string
}

// New creates request details with a fresh request id.
func New(ip string) RequestDetails {
	return RequestDetails{RequestID: uuid.NewString(), IPAddress: ip}
}

// NewWithConnection creates request details for a websocket-originated request.
func NewWithConnection(ip, connectionID string) RequestDetails {
	return RequestDetails{RequestID: uuid.NewString(), ConnectionID: connectionID, IPAddress: ip}
}

// FormattedPrefix renders the log prefix for this request. The prefix is
// interpolated into messages exactly once, at the point of logging.
func (r RequestDetails) FormattedPrefix() string {
	if r.ConnectionID != "" {
		return fmt.Sprintf("[Request ID: %s, Connection ID: %s]", r.RequestID, r.ConnectionID)
	}
	return fmt.Sprintf("[Request ID: %s]", r.RequestID)
}

type contextKey struct{}

// WithDetails attaches request details to a context.
func WithDetails(ctx context.Context, rd RequestDetails) context.Context {
	return context.WithValue(ctx, contextKey{}, rd)
}

// FromContext extracts request details from a context, returning zero details
// when none are attached.
func FromContext(ctx context.Context) RequestDetails {
	if rd, ok := ctx.Value(contextKey{}).(RequestDetails); ok {
		return rd
	}
	return RequestDetails{}
}
