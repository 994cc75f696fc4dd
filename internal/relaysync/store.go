package relaysync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

type StoreOptions struct {
	Content ContentStore
	Policy  Policy
	Logger  *slog.Logger
	// MaintenanceMode allows deleting a tenant root (full wipe).
	MaintenanceMode  bool
	UploadDir        string
	MaxUploadBytes   int64
	CompactInterval  time.Duration
	CompactRetention time.Duration
	Now              func() time.Time
}

// Store owns the long-lived handles. It holds no per-request state; models
// are built per call from an Env.
type Store struct {
	db             *Database
	content        ContentStore
	policy         Policy
	logger         *slog.Logger
	maintenance    bool
	uploadDir      string
	maxUploadBytes int64
	now            func() time.Time

	compactInterval  time.Duration
	compactRetention time.Duration
	closed           chan struct{}
	closeOnce        sync.Once
	wg               sync.WaitGroup
}

func NewStore(db *Database, opts StoreOptions) *Store {
	if opts.Content == nil {
		opts.Content = NewDatabaseContentStore()
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	if opts.CompactRetention <= 0 {
		opts.CompactRetention = 90 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if fs, ok := opts.Content.(*FileContentStore); ok {
		fs.SetLogger(opts.Logger)
	}
	s := &Store{
		db:               db,
		content:          opts.Content,
		policy:           opts.Policy,
		logger:           opts.Logger,
		maintenance:      opts.MaintenanceMode,
		uploadDir:        opts.UploadDir,
		maxUploadBytes:   opts.MaxUploadBytes,
		now:              opts.Now,
		compactInterval:  opts.CompactInterval,
		compactRetention: opts.CompactRetention,
		closed:           make(chan struct{}),
	}
	if s.compactInterval > 0 {
		s.startCompactor()
	}
	return s
}

// OpenStore builds the database and content store from DSNs and makes sure
// the schema exists.
func OpenStore(ctx context.Context, databaseDSN, contentDSN string, opts StoreOptions) (*Store, error) {
	db, err := BuildDatabaseFromDSN(ctx, databaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.Content == nil {
		content, err := BuildContentStoreFromDSN(contentDSN)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		opts.Content = content
	}
	return NewStore(db, opts), nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) Database() *Database {
	return s.db
}

func (s *Store) MaintenanceMode() bool {
	return s.maintenance
}

func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// SpoolUpload stages a request body in the configured upload directory.
func (s *Store) SpoolUpload(r io.Reader) (*Upload, error) {
	return SpoolUpload(s.uploadDir, r, s.maxUploadBytes)
}

func (s *Store) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// Env scopes the store to one caller. It is cheap to build and must not be
// shared across concurrent requests.
func (s *Store) Env(userID string) Env {
	return Env{store: s, UserID: userID}
}

type Env struct {
	store  *Store
	UserID string
}

func (e Env) Items() *ItemModel {
	return NewItemModel(e)
}

func (e Env) Changes() *ChangeLog {
	return NewChangeLog(e)
}

func (e Env) Shares() *ShareModel {
	return NewShareModel(e)
}

const visibleSharesSQL = "SELECT share_id FROM share_users WHERE user_id = ? UNION SELECT id FROM shares WHERE owner_id = ?"

func loadActor(ctx context.Context, q Querier, userID string) (Actor, error) {
	actor := Actor{ID: userID, Shares: map[string]struct{}{}}
	if userID == "" {
		return actor, nil
	}
	rows, err := q.QueryContext(ctx, visibleSharesSQL, userID, userID)
	if err != nil {
		return Actor{}, storageErr("load share memberships", err)
	}
	defer rows.Close()
	for rows.Next() {
		var shareID string
		if err := rows.Scan(&shareID); err != nil {
			return Actor{}, storageErr("scan share membership", err)
		}
		actor.Shares[shareID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return Actor{}, storageErr("load share memberships", err)
	}
	return actor, nil
}
