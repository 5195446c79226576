package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContextID returns a copy of ctx carrying a new random context ID under
// ContextIDKey. Each handled downlink gets its own ID so that all the log
// lines it causes can be correlated.
func NewContextID(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return ctx, errors.Wrap(err, "new uuid error")
	}

	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// ContextID returns the context ID, or uuid.Nil when it is not set.
func ContextID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(ContextIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
