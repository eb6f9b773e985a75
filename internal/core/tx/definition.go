package tx

import (
	"time"

	"txcoord/internal/core/resource"
)

// Propagation decides how Begin behaves relative to a transaction already
// active in the scope.
type Propagation int

const (
	// PropagationRequired joins the active transaction or starts one.
	PropagationRequired Propagation = iota
	// PropagationSupports joins the active transaction or runs without one.
	PropagationSupports
	// PropagationMandatory joins the active transaction or fails.
	PropagationMandatory
	// PropagationRequiresNew suspends the active transaction and starts an
	// independent one on a second connection.
	PropagationRequiresNew
	// PropagationNotSupported suspends the active transaction and runs
	// without one.
	PropagationNotSupported
	// PropagationNever fails if a transaction is active.
	PropagationNever
	// PropagationNested runs in a savepoint of the active transaction or
	// starts one.
	PropagationNested
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "required"
	case PropagationSupports:
		return "supports"
	case PropagationMandatory:
		return "mandatory"
	case PropagationRequiresNew:
		return "requires_new"
	case PropagationNotSupported:
		return "not_supported"
	case PropagationNever:
		return "never"
	case PropagationNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Definition configures a transaction.
type Definition struct {
	// Name shows up in logs and traces.
	Name string

	Propagation Propagation

	// Isolation: resource.IsolationDefault keeps the connection's level.
	Isolation resource.IsolationLevel

	// ReadOnly is a hint; backends that cannot honor it ignore it.
	ReadOnly bool

	// Timeout bounds the whole transaction. Zero falls back to the
	// manager's default; negative is invalid.
	Timeout time.Duration
}

// DefaultDefinition returns a joinable read-write transaction with the
// connection's isolation level and no timeout of its own.
func DefaultDefinition() Definition {
	return Definition{
		Propagation: PropagationRequired,
		Isolation:   resource.IsolationDefault,
	}
}

// SerializableDefinition for critical operations requiring serializable isolation.
func SerializableDefinition() Definition {
	def := DefaultDefinition()
	def.Isolation = resource.IsolationSerializable
	return def
}

// ReadOnlyDefinition for queries that don't modify data.
func ReadOnlyDefinition() Definition {
	def := DefaultDefinition()
	def.ReadOnly = true
	return def
}

func (d Definition) startsTransaction() bool {
	switch d.Propagation {
	case PropagationRequired, PropagationRequiresNew, PropagationNested:
		return true
	}
	return false
}
