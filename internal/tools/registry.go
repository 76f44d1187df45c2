// Package tools implements the dispatch bridge between remote function-call
// requests and the local reporting capabilities. Each capability takes a
// loosely-typed argument mapping and returns a JSON-serializable value.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/pharmacy-voice-lab/internal/logging"
)

// ErrUnknownTool marks a call whose name has no registered capability.
var ErrUnknownTool = errors.New("unknown tool")

// Call is a remote tool invocation: a correlation id, a tool name and an
// argument mapping. Correlation ids are never reused within a session.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result correlates 1:1 with a Call and must be returned on the same
// session. A nil Payload means no response should be sent to the peer.
type Result struct {
	ID      string
	Name    string
	Payload map[string]any
}

// Capability is one named, schema-declared query.
type Capability struct {
	Name        string
	Description string
	// Parameters is the JSON-schema object declared to the remote peer.
	Parameters map[string]any
	Handler    func(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds the fixed set of capabilities for a session.
//
// propagateErrors selects what a failed dispatch sends to the peer: when
// true (the default wiring) the peer receives an explicit error payload;
// when false the call is logged and dropped, which reproduces the legacy
// silent-failure behavior.
type Registry struct {
	caps            map[string]Capability
	order           []string
	propagateErrors bool
}

// NewRegistry creates an empty registry.
func NewRegistry(propagateErrors bool) *Registry {
	return &Registry{caps: make(map[string]Capability), propagateErrors: propagateErrors}
}

// Register adds a capability. Names are unique.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return fmt.Errorf("tools: capability name required")
	}
	if c.Handler == nil {
		return fmt.Errorf("tools: capability %s has no handler", c.Name)
	}
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("tools: capability %s already registered", c.Name)
	}
	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

// Declarations returns the registered capabilities in registration order,
// for the transport setup handshake and the MCP server.
func (r *Registry) Declarations() []Capability {
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name])
	}
	return out
}

// Dispatch looks up the named capability and invokes it. On success the
// returned Result wraps the capability's value as {"result": value}. On an
// unknown tool or a capability failure the error is returned; the Result
// carries an {"error": ...} payload only when error propagation is enabled,
// otherwise its Payload is nil and the caller sends nothing.
func (r *Registry) Dispatch(ctx context.Context, call Call) (Result, error) {
	res := Result{ID: call.ID, Name: call.Name}
	c, ok := r.caps[call.Name]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		logging.Warnw("tools: dispatch failed", append(logging.ToolFields(call.ID, call.Name), "err", err)...)
		if r.propagateErrors {
			res.Payload = map[string]any{"error": err.Error()}
		}
		return res, err
	}
	value, err := c.Handler(ctx, call.Args)
	if err != nil {
		logging.Warnw("tools: capability error", append(logging.ToolFields(call.ID, call.Name), "err", err)...)
		if r.propagateErrors {
			res.Payload = map[string]any{"error": err.Error()}
		}
		return res, err
	}
	res.Payload = map[string]any{"result": value}
	logging.Debugw("tools: dispatched", logging.ToolFields(call.ID, call.Name)...)
	return res, nil
}
