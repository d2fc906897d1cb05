package agent

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedRuntime is an in-memory Runtime for tests and local development.
// Replies echo the workflow and message unless a script entry matches, and
// every request is recorded for assertions.
type ScriptedRuntime struct {
	mu       sync.Mutex
	script   map[string]string // message text → reply
	delay    chan struct{}     // when set, Generate blocks until released
	err      error
	requests []Request
}

// NewScriptedRuntime creates an empty scripted runtime.
func NewScriptedRuntime() *ScriptedRuntime {
	return &ScriptedRuntime{script: make(map[string]string)}
}

// Reply registers a canned reply for an exact message text.
func (r *ScriptedRuntime) Reply(message, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script[message] = reply
}

// Fail makes every subsequent Generate call return err.
func (r *ScriptedRuntime) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Hold makes Generate block until Release is called. Used to exercise
// in-flight calls racing workflow transitions.
func (r *ScriptedRuntime) Hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = make(chan struct{})
}

// Release unblocks calls held by Hold.
func (r *ScriptedRuntime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delay != nil {
		close(r.delay)
		r.delay = nil
	}
}

// Requests returns a copy of all recorded requests.
func (r *ScriptedRuntime) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.requests))
	copy(out, r.requests)
	return out
}

// Generate returns the scripted reply for the message, or an echo.
func (r *ScriptedRuntime) Generate(ctx context.Context, req Request) (*Result, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	delay := r.delay
	err := r.err
	reply, scripted := r.script[req.Message]
	r.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !scripted {
		reply = fmt.Sprintf("[%s] %s", req.Workflow, req.Message)
	}
	return &Result{Content: reply, Generation: req.Generation}, nil
}
