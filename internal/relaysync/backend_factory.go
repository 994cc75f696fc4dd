package relaysync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// BuildDatabaseFromDSN opens the metadata store named by dsn:
// postgres://..., sqlite:///path/to/file.db, a bare file path, or memory://.
func BuildDatabaseFromDSN(ctx context.Context, dsn string) (*Database, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, validationf("database dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, validationf("parse database dsn: %v", err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupDatabaseFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLite(ctx, path)
	case "memory", "mem", "inmem":
		return OpenSQLiteMemory(ctx)
	case "mysql":
		return nil, fmt.Errorf("%w: database %s", ErrNotImplemented, scheme)
	default:
		return nil, validationf("unsupported database scheme: %s", scheme)
	}
}

// BuildContentStoreFromDSN selects where payloads live: "" or db:// keeps
// them in the metadata database, file:///dir or a bare path writes files.
func BuildContentStoreFromDSN(dsn string) (ContentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewDatabaseContentStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, validationf("parse content dsn: %v", err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupContentStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "db", "database":
		return NewDatabaseContentStore(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileContentStore(path)
	case "s3", "gs":
		return nil, fmt.Errorf("%w: content store %s", ErrNotImplemented, scheme)
	default:
		return nil, validationf("unsupported content store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", validationf("missing dsn")
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", validationf("missing dsn path")
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		return "", validationf("missing dsn path")
	}
	return path, nil
}
