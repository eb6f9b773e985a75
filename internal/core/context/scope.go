// Package context provides scope-bound values extraction.
package context

import (
	"context"

	"txcoord/internal/core/id"
)

// ScopeContext identifies the thread of control a coordination registry
// belongs to.
type ScopeContext struct {
	ScopeID string
	// ParentID is set when the scope was forked from another one.
	ParentID string
}

type scopeContextKey struct{}

// WithScope adds ScopeContext to context.
func WithScope(ctx context.Context, scope *ScopeContext) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// GetScope returns ScopeContext from context.
func GetScope(ctx context.Context) *ScopeContext {
	if v, ok := ctx.Value(scopeContextKey{}).(*ScopeContext); ok {
		return v
	}
	return nil
}

// GetScopeID returns scope ID from context or empty string.
func GetScopeID(ctx context.Context) string {
	if s := GetScope(ctx); s != nil {
		return s.ScopeID
	}
	return ""
}

// NewScopeContext creates a ScopeContext with a generated ID, recording
// the scope found in ctx (if any) as its parent.
func NewScopeContext(ctx context.Context) *ScopeContext {
	return &ScopeContext{
		ScopeID:  id.NewScope(),
		ParentID: GetScopeID(ctx),
	}
}
