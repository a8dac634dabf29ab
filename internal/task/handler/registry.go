// Package handler maps stable string identities to executable job handlers.
//
// A handler is a named group of zero-argument methods, registered once at
// startup. Job definitions reference them as (handler, method); lookups accept
// either the short handler name or its namespaced form, and strip proxy
// suffixes ("Name$$Suffix") that older records may carry.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultNamespace prefixes fully-qualified handler names.
const DefaultNamespace = "scmbridge.task"

var (
	ErrUnknownHandler = errors.New("handler: unknown handler")
	ErrDuplicate      = errors.New("handler: already registered")
)

// Func is a job body. It must honor ctx cancellation.
type Func func(ctx context.Context) error

// HandlerInfo describes one registered handler group.
type HandlerInfo struct {
	Name     string `json:"simpleName"`
	FullName string `json:"className"`
}

// MethodInfo describes one method of a handler.
type MethodInfo struct {
	Name        string `json:"methodName"`
	Description string `json:"description,omitempty"`
}

type method struct {
	fn   Func
	desc string
}

type Registry struct {
	ns string

	mu       sync.RWMutex
	handlers map[string]map[string]method
}

func NewRegistry(namespace string) *Registry {
	namespace = strings.Trim(strings.TrimSpace(namespace), ".")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Registry{ns: namespace, handlers: make(map[string]map[string]method)}
}

func (r *Registry) Namespace() string { return r.ns }

// Register adds handler.method. Names are matched exactly after canonicalization.
func (r *Registry) Register(handlerName, methodName string, fn Func, desc ...string) error {
	h := r.Canonical(handlerName)
	m := strings.TrimSpace(methodName)
	if h == "" || m == "" || fn == nil {
		return fmt.Errorf("handler: register %q.%q: name and func are required", handlerName, methodName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.handlers[h]
	if !ok {
		ms = make(map[string]method)
		r.handlers[h] = ms
	}
	if _, dup := ms[m]; dup {
		return fmt.Errorf("%w: %s.%s", ErrDuplicate, h, m)
	}
	ms[m] = method{fn: fn, desc: strings.Join(desc, " ")}
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(handlerName, methodName string, fn Func, desc ...string) {
	if err := r.Register(handlerName, methodName, fn, desc...); err != nil {
		panic(err)
	}
}

// Canonical reduces a handler reference to its registered short name:
// proxy suffixes and the namespace prefix are removed.
func (r *Registry) Canonical(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "$$"); i >= 0 {
		ref = ref[:i]
	}
	if rest, ok := strings.CutPrefix(ref, r.ns+"."); ok {
		ref = rest
	}
	return ref
}

// Lookup returns the function registered for (handlerRef, methodRef).
func (r *Registry) Lookup(handlerRef, methodRef string) (Func, error) {
	h := r.Canonical(handlerRef)
	m := strings.TrimSpace(methodRef)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.handlers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handlerRef)
	}
	e, ok := ms[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownHandler, h, m)
	}
	return e.fn, nil
}

// Handlers lists registered handlers sorted by name.
func (r *Registry) Handlers() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerInfo, 0, len(r.handlers))
	for h := range r.handlers {
		out = append(out, HandlerInfo{Name: h, FullName: r.ns + "." + h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Methods lists the methods of handlerRef sorted by name.
func (r *Registry) Methods(handlerRef string) ([]MethodInfo, error) {
	h := r.Canonical(handlerRef)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.handlers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handlerRef)
	}
	out := make([]MethodInfo, 0, len(ms))
	for name, m := range ms {
		out = append(out, MethodInfo{Name: name, Description: m.desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
