package resource

import (
	"context"
	"fmt"

	"txcoord/internal/core/apperror"
	appctx "txcoord/internal/core/context"
	"txcoord/pkg/logger"
)

// Synchronization is a lifecycle callback registered against the active
// transaction of a scope.
type Synchronization interface {
	// Suspend is called when the transaction is set aside for an
	// independent one.
	Suspend(ctx context.Context)
	// Resume is called when a suspended transaction becomes current again.
	Resume(ctx context.Context)
	// BeforeCompletion is called exactly once before commit or rollback,
	// while the transaction's resources are still bound.
	BeforeCompletion(ctx context.Context)
}

// SynchronizationFuncs adapts optional funcs to Synchronization.
type SynchronizationFuncs struct {
	OnSuspend          func(ctx context.Context)
	OnResume           func(ctx context.Context)
	OnBeforeCompletion func(ctx context.Context)
}

func (s *SynchronizationFuncs) Suspend(ctx context.Context) {
	if s.OnSuspend != nil {
		s.OnSuspend(ctx)
	}
}

func (s *SynchronizationFuncs) Resume(ctx context.Context) {
	if s.OnResume != nil {
		s.OnResume(ctx)
	}
}

func (s *SynchronizationFuncs) BeforeCompletion(ctx context.Context) {
	if s.OnBeforeCompletion != nil {
		s.OnBeforeCompletion(ctx)
	}
}

// Registry is the per-scope table of bound holders plus the ordered
// synchronizations of the scope's active transaction.
type Registry struct {
	id        string
	resources map[any]*Holder

	syncActive       bool
	synchronizations []Synchronization

	txName       string
	txReadOnly   bool
	txIsolation  IsolationLevel
	actualActive bool
}

// NewRegistry returns an empty registry with the given scope id.
func NewRegistry(scopeID string) *Registry {
	return &Registry{
		id:        scopeID,
		resources: make(map[any]*Holder),
	}
}

// ID returns the scope id.
func (r *Registry) ID() string {
	return r.id
}

// HasResource reports whether a holder is bound for key.
func (r *Registry) HasResource(key any) bool {
	_, ok := r.resources[key]
	return ok
}

// GetResource returns the holder bound for key, or nil.
func (r *Registry) GetResource(key any) *Holder {
	return r.resources[key]
}

// BindResource binds h for key. Binding over an existing holder is an
// IllegalState error since the previous holder would leak.
func (r *Registry) BindResource(key any, h *Holder) error {
	if h == nil {
		return apperror.NewIllegalState("cannot bind a nil holder")
	}
	if _, ok := r.resources[key]; ok {
		return apperror.NewIllegalState(
			fmt.Sprintf("a holder is already bound for key [%v] in scope [%s]", key, r.id))
	}
	r.resources[key] = h
	return nil
}

// UnbindResource removes and returns the holder bound for key.
func (r *Registry) UnbindResource(key any) (*Holder, error) {
	h, ok := r.resources[key]
	if !ok {
		return nil, apperror.NewIllegalState(
			fmt.Sprintf("no holder bound for key [%v] in scope [%s]", key, r.id))
	}
	delete(r.resources, key)
	return h, nil
}

// UnbindResourceIfPossible removes and returns the holder bound for key,
// nil if there is none.
func (r *Registry) UnbindResourceIfPossible(key any) *Holder {
	h := r.resources[key]
	delete(r.resources, key)
	return h
}

// IsSynchronizationActive reports whether synchronizations can be
// registered, i.e. whether the scope runs a managed transaction.
func (r *Registry) IsSynchronizationActive() bool {
	return r.syncActive
}

// InitSynchronization activates synchronization for the scope.
func (r *Registry) InitSynchronization() error {
	if r.syncActive {
		return apperror.NewIllegalState("cannot activate transaction synchronization - already active")
	}
	r.syncActive = true
	r.synchronizations = nil
	return nil
}

// RegisterSynchronization appends s to the active transaction's callbacks.
func (r *Registry) RegisterSynchronization(s Synchronization) error {
	if !r.syncActive {
		return apperror.NewIllegalState("transaction synchronization is not active")
	}
	r.synchronizations = append(r.synchronizations, s)
	return nil
}

// Synchronizations returns a snapshot of the registered callbacks in
// registration order.
func (r *Registry) Synchronizations() []Synchronization {
	if !r.syncActive {
		return nil
	}
	out := make([]Synchronization, len(r.synchronizations))
	copy(out, r.synchronizations)
	return out
}

// ClearSynchronization deactivates synchronization and forgets the
// transaction metadata of the scope.
func (r *Registry) ClearSynchronization() {
	r.syncActive = false
	r.synchronizations = nil
	r.txName = ""
	r.txReadOnly = false
	r.txIsolation = IsolationDefault
	r.actualActive = false
}

// SetCurrentTransactionName records the name of the active transaction.
func (r *Registry) SetCurrentTransactionName(name string) { r.txName = name }

// CurrentTransactionName returns the name of the active transaction.
func (r *Registry) CurrentTransactionName() string { return r.txName }

// SetCurrentTransactionReadOnly records the read-only hint.
func (r *Registry) SetCurrentTransactionReadOnly(on bool) { r.txReadOnly = on }

// IsCurrentTransactionReadOnly reports the read-only hint.
func (r *Registry) IsCurrentTransactionReadOnly() bool { return r.txReadOnly }

// SetCurrentTransactionIsolation records the isolation level requested.
func (r *Registry) SetCurrentTransactionIsolation(l IsolationLevel) { r.txIsolation = l }

// CurrentTransactionIsolation returns the isolation level requested.
func (r *Registry) CurrentTransactionIsolation() IsolationLevel { return r.txIsolation }

// SetActualTransactionActive records whether a physical transaction runs,
// as opposed to a transaction-less synchronization scope.
func (r *Registry) SetActualTransactionActive(on bool) { r.actualActive = on }

// IsActualTransactionActive reports whether a physical transaction runs.
func (r *Registry) IsActualTransactionActive() bool { return r.actualActive }

// Invoke runs fn for every synchronization in order. A panicking callback
// is logged and does not prevent the rest from running.
func Invoke(ctx context.Context, syncs []Synchronization, phase string, fn func(Synchronization)) {
	for _, s := range syncs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error(ctx, "transaction synchronization panicked", "phase", phase, "panic", p)
				}
			}()
			fn(s)
		}()
	}
}

type registryKey struct{}

// WithRegistry returns ctx carrying a registry, attaching a fresh one
// unless ctx already carries one.
func WithRegistry(ctx context.Context) context.Context {
	if RegistryFrom(ctx) != nil {
		return ctx
	}
	return NewScope(ctx)
}

// NewScope returns ctx carrying a fresh, empty registry. Use it before
// handing ctx to another goroutine.
func NewScope(ctx context.Context) context.Context {
	scope := appctx.NewScopeContext(ctx)
	ctx = appctx.WithScope(ctx, scope)
	return context.WithValue(ctx, registryKey{}, NewRegistry(scope.ScopeID))
}

// RegistryFrom returns the registry carried by ctx, or nil.
func RegistryFrom(ctx context.Context) *Registry {
	if r, ok := ctx.Value(registryKey{}).(*Registry); ok {
		return r
	}
	return nil
}
