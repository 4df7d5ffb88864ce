// Package session provides identifiers and context plumbing for sessions of incoming requests.
package session // import "github.com/boltconn/boltconn/common/session"

import (
	"context"

	"github.com/google/uuid"
)

// ID of a session.
type ID string

// NewID generates a new ID. The generated ID is high likely to be unique.
func NewID() ID {
	return ID(uuid.NewString())
}

type sessionKey int

const (
	idSessionKey sessionKey = iota
)

// ContextWithID returns a new context with the given ID.
func ContextWithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idSessionKey, id)
}

// IDFromContext returns ID in this context, or empty if not contained.
func IDFromContext(ctx context.Context) ID {
	if id, ok := ctx.Value(idSessionKey).(ID); ok {
		return id
	}
	return ""
}
