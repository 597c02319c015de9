// Package hooks runs ordered chains of request transforms registered ahead of time.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"ShareLink/internal/wire"
)

// Stage names a point in the request lifecycle where hooks run.
type Stage string

// BeforeOperation runs after a request is built and before it is serialized.
const BeforeOperation Stage = "beforeOperation"

// ErrRejected wraps every hook failure returned by Apply.
var ErrRejected = errors.New("hook rejected request")

// Hook transforms a request for the given operation kind or fails it.
// A hook must not retain req. Receivers and Params may be edited in place;
// provider.Client hands the chain copies of both.
type Hook func(ctx context.Context, op string, req wire.Request) (wire.Request, error)

// namedHook is a registered hook.
type namedHook struct {
	name string // name identifies the hook in errors and logs
	fn   Hook   // fn is the transform
}

// Pipeline holds hook chains per stage.
type Pipeline struct {
	chains map[Stage][]namedHook // chains maps stage to hooks in registration order
	mu     sync.RWMutex          // mu protects chains
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{chains: make(map[Stage][]namedHook)}
}

// Register appends fn to the chain of stage.
func (p *Pipeline) Register(stage Stage, name string, fn Hook) {
	p.mu.Lock()
	p.chains[stage] = append(p.chains[stage], namedHook{name: name, fn: fn})
	p.mu.Unlock()
}

// Len returns the number of hooks registered for stage.
func (p *Pipeline) Len(stage Stage) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.chains[stage])
}

// Apply runs the chain of stage over req, feeding each hook the previous
// hook's output. The first failure stops the chain and is returned wrapped
// in ErrRejected together with the hook name.
func (p *Pipeline) Apply(ctx context.Context, stage Stage, op string, req wire.Request) (wire.Request, error) {
	p.mu.RLock()
	chain := slices.Clone(p.chains[stage])
	p.mu.RUnlock()

	for _, h := range chain {
		next, err := h.fn(ctx, op, req)
		if err != nil {
			return req, fmt.Errorf("%w: %s: %w", ErrRejected, h.name, err)
		}

		req = next
	}

	return req, nil
}

// AllowLabels returns a hook that rejects labels outside allowed.
func AllowLabels(allowed ...string) Hook {
	set := make(map[string]struct{}, len(allowed))
	for _, l := range allowed {
		set[l] = struct{}{}
	}

	return func(_ context.Context, _ string, req wire.Request) (wire.Request, error) {
		if _, ok := set[req.Label]; !ok {
			return req, fmt.Errorf("label %q not allowed", req.Label)
		}

		return req, nil
	}
}

// DefaultParams returns a hook that fills params missing from the request.
// The request's own params map is never modified.
func DefaultParams(defaults map[string]any) Hook {
	return func(_ context.Context, _ string, req wire.Request) (wire.Request, error) {
		merged := make(map[string]any, len(defaults)+len(req.Params))

		for k, v := range defaults {
			merged[k] = v
		}

		for k, v := range req.Params {
			merged[k] = v
		}

		req.Params = merged

		return req, nil
	}
}
