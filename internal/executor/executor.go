// Package executor defines the contract between the orchestrator and the
// components that perform side effects against third-party systems.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Status is the outcome reported by an executor.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusDryRun  Status = "dry_run"
)

// ErrorKind classifies executor failures for retry decisions.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limit_exceeded"
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network_error"
	KindAuth        ErrorKind = "auth_failed"
	KindValidation  ErrorKind = "validation_error"
	KindUnknown     ErrorKind = "unknown"
)

// Transient reports whether the kind is worth retrying.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// Result is what an executor returns for one call.
type Result struct {
	Status    Status    `json:"status"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	ResultID  string    `json:"result_id,omitempty"`
}

// Success builds a success result.
func Success(resultID string) Result {
	return Result{Status: StatusSuccess, ResultID: resultID}
}

// Failure builds an error result.
func Failure(kind ErrorKind, msg string) Result {
	return Result{Status: StatusError, ErrorKind: kind, Message: msg}
}

// Executor performs operations against one target system. Implementations
// own all protocol, credential and session details.
type Executor interface {
	Execute(ctx context.Context, targetSystem, operation string, params map[string]any) Result
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, targetSystem, operation string, params map[string]any) Result

// Execute calls f.
func (f Func) Execute(ctx context.Context, targetSystem, operation string, params map[string]any) Result {
	return f(ctx, targetSystem, operation, params)
}

// ErrNoExecutor is returned by Registry.Lookup for unknown targets.
var ErrNoExecutor = errors.New("no executor registered")

// Registry maps target systems to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds target to e, replacing any previous binding.
func (r *Registry) Register(target string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[target] = e
}

// Lookup returns the executor for target.
func (r *Registry) Lookup(target string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[target]
	if !ok {
		return nil, fmt.Errorf("%w for target %q", ErrNoExecutor, target)
	}
	return e, nil
}

// Targets lists registered target systems, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute dispatches to the executor registered for targetSystem. An
// unknown target is a permanent validation failure.
func (r *Registry) Execute(ctx context.Context, targetSystem, operation string, params map[string]any) Result {
	e, err := r.Lookup(targetSystem)
	if err != nil {
		return Failure(KindValidation, err.Error())
	}
	return e.Execute(ctx, targetSystem, operation, params)
}
