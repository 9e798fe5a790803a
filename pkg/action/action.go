// Package action defines the named operations a server exposes: queries,
// whose live results re-run on dependency changes, and mutations, which
// run once per request.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/livequery/pkg/reactive"
)

// ErrUnknownAction is returned when a frame names an action that the
// connection's action map does not contain, or uses it with the wrong
// frame type.
var ErrUnknownAction = errors.New("unknown action")

// Action is a named server operation: either *Query or *Mutation.
type Action interface {
	isAction()
}

// Map is one connection's action set, keyed by action name.
type Map map[string]Action

// Lookup resolves a name to its action. Unknown names match
// ErrUnknownAction via errors.Is.
func (m Map) Lookup(name string) (Action, error) {
	act, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, name)
	}
	return act, nil
}

// Factory builds the action map for one connection. It runs under the
// connection's session context, so session-scoped stores declared inside
// it bind to that connection.
type Factory func(ctx context.Context) Map

// Query is a subscribable computation over declared dependencies. With no
// deps the query is immediate: it resolves once per subscribe and carries
// no subscription machinery.
type Query struct {
	// Validate normalizes raw params before Resolve and fingerprinting.
	// Nil admits arbitrary JSON.
	Validate Validator
	// Deps are the sources whose changes re-run Resolve.
	Deps []reactive.Source
	// Cache controls result retention between runs.
	Cache reactive.CachePolicy
	// Debounce collapses dependency fire bursts into one run.
	Debounce time.Duration
	// Resolve produces the result. params is the validator's output.
	Resolve func(ctx context.Context, params any) (any, error)
}

func (*Query) isAction() {}

// Live reports whether subscribing yields a stream of updates rather than
// a single result.
func (q *Query) Live() bool {
	return len(q.Deps) > 0
}

// Start creates the derived computation for one (params) invocation. The
// multiplexer shares it between subscribers with an identical
// (session, name, fingerprint) key.
func (q *Query) Start(ctx context.Context, params any) *reactive.Computation {
	compute := func(ctx context.Context) (any, error) {
		return q.Resolve(ctx, params)
	}
	return reactive.NewComputation(ctx, q.Deps, compute, q.Cache, q.Debounce)
}

// Mutation is a one-shot command correlated by requestId.
type Mutation struct {
	// Validate normalizes raw params before Execute. Nil admits arbitrary
	// JSON.
	Validate Validator
	// Execute performs the command and returns its reply payload.
	Execute func(ctx context.Context, params any) (any, error)
}

func (*Mutation) isAction() {}
