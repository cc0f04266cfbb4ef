package relaysync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type ProgressStoreFactory func(dsn string) (ProgressStore, error)

var progressFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ProgressStoreFactory
}{
	factories: map[string]ProgressStoreFactory{},
}

// RegisterProgressStoreFactory overrides or adds the store built for a DSN
// scheme. Registered factories take precedence over the built-in schemes.
func RegisterProgressStoreFactory(scheme string, factory ProgressStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	progressFactoryRegistry.mu.Lock()
	defer progressFactoryRegistry.mu.Unlock()
	progressFactoryRegistry.factories[scheme] = factory
}

func lookupProgressStoreFactory(scheme string) (ProgressStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	progressFactoryRegistry.mu.RLock()
	defer progressFactoryRegistry.mu.RUnlock()
	factory, ok := progressFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildProgressStoreFromDSN selects a store by DSN scheme. An empty DSN is
// an in-memory store; a bare path is a JSON snapshot file.
func BuildProgressStoreFromDSN(dsn string) (ProgressStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryProgressStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupProgressStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileProgressStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryProgressStore(), nil
	case "postgres", "postgresql":
		return NewPostgresProgressStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteProgressStore(path)
	case "mysql":
		return nil, fmt.Errorf("%w: progress store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported progress store scheme: %s", scheme)
	}
}

// dsnPath extracts a filesystem path from file:// and sqlite:// DSNs.
// "sqlite://data/sync.db" is relative; "sqlite:///var/lib/sync.db" is
// absolute.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
