package relaysync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Namespace is the pair of collaborators a domain module supplies for one
// partition of synced state.
type Namespace interface {
	ApplyMutation(ctx context.Context, userID string, m Mutation) error
	ProducePatch(ctx context.Context, userID string) ([]PatchOp, error)
}

// NamespaceFuncs adapts two plain functions to Namespace.
type NamespaceFuncs struct {
	Apply func(ctx context.Context, userID string, m Mutation) error
	Patch func(ctx context.Context, userID string) ([]PatchOp, error)
}

func (f NamespaceFuncs) ApplyMutation(ctx context.Context, userID string, m Mutation) error {
	if f.Apply == nil {
		return nil
	}
	return f.Apply(ctx, userID, m)
}

func (f NamespaceFuncs) ProducePatch(ctx context.Context, userID string) ([]PatchOp, error) {
	if f.Patch == nil {
		return nil, nil
	}
	return f.Patch(ctx, userID)
}

// ResolveHint carries everything a request offers about its namespace.
type ResolveHint struct {
	ClientViewName  string
	CookieNamespace string
	ClientGroupID   string
	Mutations       []Mutation
}

// Resolution says which namespace a request maps to and how it was found.
type Resolution struct {
	Name   string
	Source string
	Known  bool
}

const (
	ResolvedExplicit = "explicit"
	ResolvedCookie   = "cookie"
	ResolvedLegacy   = "legacy"
	ResolvedNone     = "none"
)

type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]Namespace
	aliases    map[string]string
	legacy     []LegacyRule
}

func NewRegistry() *Registry {
	return &Registry{
		namespaces: map[string]Namespace{},
		aliases:    map[string]string{},
	}
}

func normalizeNamespace(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, ns Namespace) error {
	name = normalizeNamespace(name)
	if name == "" || ns == nil {
		return fmt.Errorf("%w: namespace name and collaborators are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.namespaces[name]; exists {
		return fmt.Errorf("%w: namespace %q already registered", ErrInvalidInput, name)
	}
	if _, exists := r.aliases[name]; exists {
		return fmt.Errorf("%w: %q is already an alias", ErrInvalidInput, name)
	}
	r.namespaces[name] = ns
	return nil
}

// Alias maps an alternative client name onto a registered namespace.
func (r *Registry) Alias(alias, name string) error {
	alias = normalizeNamespace(alias)
	name = normalizeNamespace(name)
	if alias == "" || name == "" {
		return fmt.Errorf("%w: alias and namespace are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.namespaces[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, name)
	}
	if _, clash := r.namespaces[alias]; clash {
		return fmt.Errorf("%w: %q is a registered namespace", ErrInvalidInput, alias)
	}
	r.aliases[alias] = name
	return nil
}

// Lookup returns the namespace for name or one of its aliases, together
// with the canonical name.
func (r *Registry) Lookup(name string) (Namespace, string, bool) {
	name = normalizeNamespace(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (Namespace, string, bool) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	ns, ok := r.namespaces[name]
	return ns, name, ok
}

// Resolve picks a namespace from the explicit client view name, then the
// namespace recorded in the cookie, then the legacy inference rules. An
// explicit name that is not registered resolves as unknown rather than
// falling through to inference.
func (r *Registry) Resolve(hint ResolveHint) Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if explicit := normalizeNamespace(hint.ClientViewName); explicit != "" {
		_, canonical, ok := r.lookupLocked(explicit)
		return Resolution{Name: canonical, Source: ResolvedExplicit, Known: ok}
	}
	if fromCookie := normalizeNamespace(hint.CookieNamespace); fromCookie != "" {
		if _, canonical, ok := r.lookupLocked(fromCookie); ok {
			return Resolution{Name: canonical, Source: ResolvedCookie, Known: true}
		}
	}
	if inferred, ok := inferLegacyNamespace(r.legacy, hint.ClientGroupID, hint.Mutations); ok {
		_, canonical, known := r.lookupLocked(inferred)
		if known {
			legacyResolutionsTotal.WithLabelValues(canonical).Inc()
		}
		return Resolution{Name: canonical, Source: ResolvedLegacy, Known: known}
	}
	return Resolution{Source: ResolvedNone}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddLegacyRules appends inference rules for clients that never send a
// client view name.
func (r *Registry) AddLegacyRules(rules ...LegacyRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range rules {
		rule.Namespace = normalizeNamespace(rule.Namespace)
		if rule.Namespace == "" {
			continue
		}
		r.legacy = append(r.legacy, rule)
	}
}
