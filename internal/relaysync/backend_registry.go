package relaysync

import (
	"context"
	"strings"
	"sync"
)

type DatabaseFactory func(ctx context.Context, dsn string) (*Database, error)
type ContentStoreFactory func(dsn string) (ContentStore, error)

var backendFactoryRegistry = struct {
	mu                sync.RWMutex
	databaseFactories map[string]DatabaseFactory
	contentFactories  map[string]ContentStoreFactory
}{
	databaseFactories: map[string]DatabaseFactory{},
	contentFactories:  map[string]ContentStoreFactory{},
}

func RegisterDatabaseFactory(scheme string, factory DatabaseFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.databaseFactories[scheme] = factory
}

func RegisterContentStoreFactory(scheme string, factory ContentStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.contentFactories[scheme] = factory
}

func lookupDatabaseFactory(scheme string) (DatabaseFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.databaseFactories[scheme]
	return factory, ok
}

func lookupContentStoreFactory(scheme string) (ContentStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.contentFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
