package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	companyIDKey contextKey = "companyID"
	requestIDKey contextKey = "requestID"
	messageIDKey contextKey = "messageID"
)

var (
	// ErrCompanyIDNotFound is returned when no company ID is found in context.
	ErrCompanyIDNotFound = errors.New("company ID not found in context")
	// ErrNoRequestIDInContext is returned when no request ID is found in context.
	ErrNoRequestIDInContext = errors.New("no request ID found in context")
	// ErrNoMessageIDInContext is returned when no billing message ID is found in context.
	ErrNoMessageIDInContext = errors.New("no message ID found in context")
)

// WithCompanyID adds a company ID to the context.
func WithCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// FromContext extracts the company ID from the context.
func FromContext(ctx context.Context) (string, error) {
	companyID, ok := ctx.Value(companyIDKey).(string)
	if !ok || companyID == "" {
		return "", ErrCompanyIDNotFound
	}
	return companyID, nil
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context.
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// WithMessageID adds the billing message ID being processed to the context.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey, messageID)
}

// FromMessageIDContext extracts the billing message ID from the context.
func FromMessageIDContext(ctx context.Context) (string, error) {
	messageID, ok := ctx.Value(messageIDKey).(string)
	if !ok || messageID == "" {
		return "", ErrNoMessageIDInContext
	}
	return messageID, nil
}

// Detach returns a fresh background context carrying the identifiers of ctx but not
// its deadline or cancellation. Background call tasks outlive the delivery that
// scheduled them.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	if v, err := FromContext(ctx); err == nil {
		out = WithCompanyID(out, v)
	}
	if v, err := FromRequestIDContext(ctx); err == nil {
		out = WithRequestID(out, v)
	}
	if v, err := FromMessageIDContext(ctx); err == nil {
		out = WithMessageID(out, v)
	}
	return out
}
