package mountsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	deltaPageSize    = 500
	stateFileName    = ".relaysync-mount-state.json"
	ignoredPrefix    = ".relaysync-"
	tempFileMarker   = ".tmp-"
	changeTypeDelete = "delete"
)

type SyncerOptions struct {
	// UserID is the token subject. Only items it owns are mirrored.
	UserID string
	// RemoteRoot is a name prefix inside the owner's namespace; empty
	// mirrors the whole tenant.
	RemoteRoot string
	LocalRoot  string
	StateFile  string
	Logger     *slog.Logger
}

// Syncer mirrors a user's items into a local directory. Local edits are
// pushed first, then the delta feed is drained and its net effect applied.
type Syncer struct {
	client     RemoteClient
	userID     string
	remoteRoot string
	localRoot  string
	stateFile  string
	logger     *slog.Logger
	state      mountState
	loaded     bool
}

type mountState struct {
	Files  map[string]trackedFile `json:"files"`
	Cursor string                 `json:"cursor,omitempty"`
}

// trackedFile is the last state both sides agreed on for one item name.
type trackedFile struct {
	ItemID      string `json:"item_id"`
	Hash        string `json:"hash"`
	UpdatedTime int64  `json:"updated_time,omitempty"`
}

type localSnapshot struct {
	Content     []byte
	ContentType string
	Hash        string
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, stateFileName)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:     client,
		userID:     userID,
		remoteRoot: normalizeRemoteRoot(opts.RemoteRoot),
		localRoot:  localRoot,
		stateFile:  stateFile,
		logger:     logger,
		state:      mountState{Files: map[string]trackedFile{}},
	}, nil
}

// SyncOnce runs one push/pull cycle under an exclusive lock on the state
// file, so two mount processes never share a mirror.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	unlock, err := lockStateFile(s.stateFile)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.loadState(); err != nil {
		return err
	}
	if err := s.pushLocal(ctx); err != nil {
		return err
	}
	if err := s.pullRemote(ctx); err != nil {
		return err
	}
	return s.saveState()
}

func (s *Syncer) pushLocal(ctx context.Context) error {
	localFiles, err := s.scanLocalFiles()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(localFiles))
	for name := range localFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		snapshot := localFiles[name]
		tracked, exists := s.state.Files[name]
		if exists && tracked.Hash == snapshot.Hash {
			continue
		}
		item, err := s.client.PutContent(ctx, PathRef(name), snapshot.Content, snapshot.ContentType)
		if err != nil {
			return fmt.Errorf("push %s: %w", name, err)
		}
		s.logger.Debug("pushed local file", "name", name, "item", item.ID)
		s.state.Files[name] = trackedFile{ItemID: item.ID, Hash: item.ContentSHA256, UpdatedTime: item.UpdatedTime}
	}

	tracked := make([]string, 0, len(s.state.Files))
	for name := range s.state.Files {
		tracked = append(tracked, name)
	}
	sort.Strings(tracked)
	for _, name := range tracked {
		if _, ok := localFiles[name]; ok {
			continue
		}
		ref := s.state.Files[name].ItemID
		if ref == "" {
			ref = PathRef(name)
		}
		if err := s.client.DeleteItem(ctx, ref); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		s.logger.Debug("deleted remote item", "name", name)
		delete(s.state.Files, name)
	}
	return nil
}

// pullRemote drains the delta feed from the stored cursor and applies the
// last change seen for each item.
func (s *Syncer) pullRemote(ctx context.Context) error {
	latest := map[string]RemoteChange{}
	var order []string
	cursor := s.state.Cursor
	for {
		page, err := s.client.Delta(ctx, cursor, deltaPageSize)
		if err != nil {
			return fmt.Errorf("read delta: %w", err)
		}
		for _, change := range page.Items {
			if change.OwnerID != s.userID {
				continue
			}
			if _, seen := latest[change.ItemID]; !seen {
				order = append(order, change.ItemID)
			}
			latest[change.ItemID] = change
		}
		if page.Cursor != "" {
			cursor = page.Cursor
		}
		if !page.HasMore {
			break
		}
	}

	for _, itemID := range order {
		change := latest[itemID]
		if change.Type == changeTypeDelete {
			if err := s.applyRemoteDelete(itemID); err != nil {
				return err
			}
			continue
		}
		item, err := s.client.GetItem(ctx, itemID)
		if isNotFound(err) {
			if err := s.applyRemoteDelete(itemID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("load item %s: %w", itemID, err)
		}
		if err := s.applyRemoteItem(ctx, item); err != nil {
			return err
		}
	}
	s.state.Cursor = cursor
	return nil
}

func (s *Syncer) trackedByID(itemID string) (string, trackedFile, bool) {
	for name, tracked := range s.state.Files {
		if tracked.ItemID == itemID {
			return name, tracked, true
		}
	}
	return "", trackedFile{}, false
}

func (s *Syncer) applyRemoteItem(ctx context.Context, item RemoteItem) error {
	// A rename shows up as an update under a new name.
	if oldName, tracked, ok := s.trackedByID(item.ID); ok && oldName != item.Name {
		s.removeIfUnchanged(oldName, tracked)
		delete(s.state.Files, oldName)
	}
	if !isUnderRemoteRoot(s.remoteRoot, item.Name) {
		return nil
	}
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, item.Name)
	if err != nil {
		return nil
	}
	tracked, exists := s.state.Files[item.Name]
	current, readErr := os.ReadFile(localPath)
	if readErr == nil {
		localHash := hashBytes(current)
		if localHash == item.ContentSHA256 {
			s.state.Files[item.Name] = trackedFile{ItemID: item.ID, Hash: item.ContentSHA256, UpdatedTime: item.UpdatedTime}
			return nil
		}
		if exists && localHash != tracked.Hash {
			s.logger.Warn("local edit conflicts with remote change; keeping local content", "name", item.Name)
			return nil
		}
	}
	if info, err := os.Stat(localPath); err == nil && info.IsDir() {
		s.logger.Warn("remote item shadows a local directory; skipping", "name", item.Name)
		return nil
	}

	content, err := s.client.ReadContent(ctx, item.ID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read content %s: %w", item.Name, err)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		s.logger.Warn("cannot create local directory; skipping", "name", item.Name, "err", err)
		return nil
	}
	if err := writeFileAtomic(localPath, content, 0o644); err != nil {
		return err
	}
	s.state.Files[item.Name] = trackedFile{ItemID: item.ID, Hash: hashBytes(content), UpdatedTime: item.UpdatedTime}
	return nil
}

func (s *Syncer) applyRemoteDelete(itemID string) error {
	name, tracked, ok := s.trackedByID(itemID)
	if !ok {
		return nil
	}
	s.removeIfUnchanged(name, tracked)
	delete(s.state.Files, name)
	return nil
}

// removeIfUnchanged deletes the local copy unless it was edited since the
// last sync.
func (s *Syncer) removeIfUnchanged(name string, tracked trackedFile) {
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, name)
	if err != nil {
		return
	}
	current, err := os.ReadFile(localPath)
	if err != nil {
		return
	}
	if hashBytes(current) != tracked.Hash {
		s.logger.Warn("remote delete skipped for locally edited file", "name", name)
		return
	}
	_ = os.Remove(localPath)
}

func (s *Syncer) scanLocalFiles() (map[string]localSnapshot, error) {
	results := map[string]localSnapshot{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || ignoredLocalFile(d.Name()) {
			return nil
		}
		if absPath, err := filepath.Abs(path); err == nil && (absPath == statePathAbs || absPath == statePathAbs+lockSuffix) {
			return nil
		}
		name, err := localToRemoteName(s.localRoot, s.remoteRoot, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		results[name] = localSnapshot{
			Content:     data,
			ContentType: detectContentType(path),
			Hash:        hashBytes(data),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ignoredLocalFile(base string) bool {
	return strings.HasPrefix(base, ignoredPrefix) || (strings.HasPrefix(base, ".") && strings.Contains(base, tempFileMarker))
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Files = map[string]trackedFile{}
			return nil
		}
		return err
	}
	var state mountState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse state file %s: %w", s.stateFile, err)
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func normalizeRemoteRoot(root string) string {
	return strings.Trim(strings.TrimSpace(root), "/")
}

func isUnderRemoteRoot(remoteRoot, name string) bool {
	if remoteRoot == "" {
		return true
	}
	return strings.HasPrefix(name, remoteRoot+"/")
}

func remoteToLocalPath(localRoot, remoteRoot, name string) (string, error) {
	if !isUnderRemoteRoot(remoteRoot, name) {
		return "", fmt.Errorf("item %s is outside root %s", name, remoteRoot)
	}
	rel := name
	if remoteRoot != "" {
		rel = strings.TrimPrefix(name, remoteRoot+"/")
	}
	if rel == "" {
		return "", fmt.Errorf("item %s cannot map to local root", name)
	}
	local := filepath.Join(localRoot, filepath.FromSlash(rel))
	if relCheck, err := filepath.Rel(localRoot, local); err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("item %s escapes local root", name)
	}
	return local, nil
}

func localToRemoteName(localRoot, remoteRoot, localPath string) (string, error) {
	rel, err := filepath.Rel(localRoot, localPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", fmt.Errorf("local root is not a file")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("path %s escapes local root", localPath)
	}
	if remoteRoot == "" {
		return rel, nil
	}
	return remoteRoot + "/" + rel, nil
}

func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown"
	}
	m := mime.TypeByExtension(ext)
	if m == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return m
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempFileMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
