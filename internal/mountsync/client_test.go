package mountsync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/api/items/root/delta" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("cursor") != "42" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("expected cursor and limit to be forwarded, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":43,"item_id":"a","type":"update","owner_id":"alice"}],"cursor":"43","has_more":false}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	page, err := client.Delta(context.Background(), "42", 50)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if page.Cursor != "43" || len(page.Items) != 1 || page.Items[0].ItemID != "a" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReturnsHTTPErrorWithoutRetryingClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such item"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.GetItem(context.Background(), "missing")
	if !isNotFound(err) {
		t.Fatalf("expected not found HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientPutContentSendsFilePart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/items/root:/docs/a b.md:/content" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected file part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "hello" || header.Header.Get("Content-Type") != "text/markdown" {
			t.Errorf("unexpected part %q type %q", data, header.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"item_1","name":"docs/a b.md","content_sha256":"abc"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	item, err := client.PutContent(context.Background(), PathRef("docs/a b.md"), []byte("hello"), "text/markdown")
	if err != nil {
		t.Fatalf("put content failed: %v", err)
	}
	if item.ID != "item_1" {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected retry-after to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff 400ms, got %s", got)
	}
}

// TestSyncAgainstServer runs two mirrors of the same user against a real
// server and checks that an edit in one reaches the other.
func TestSyncAgainstServer(t *testing.T) {
	ctx := context.Background()
	db, err := relaysync.OpenSQLiteMemory(ctx)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema failed: %v", err)
	}
	store := relaysync.NewStore(db, relaysync.StoreOptions{UploadDir: t.TempDir()})
	defer store.Close()
	api := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{JWTSecret: "mount-secret"})
	defer api.Close()
	server := httptest.NewServer(api)
	defer server.Close()

	token, err := httpapi.IssueToken("mount-secret", "alice", nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	client := NewHTTPClient(server.URL, token, server.Client())

	dirA, dirB := t.TempDir(), t.TempDir()
	syncA := newTestSyncer(t, client, "", dirA)
	syncB := newTestSyncer(t, client, "", dirB)

	if err := os.MkdirAll(filepath.Join(dirA, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dirA, "notes", "todo.md"), []byte("- ship it"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	mustSync(t, syncA)
	mustSync(t, syncB)
	if got := readLocal(t, filepath.Join(dirB, "notes", "todo.md")); got != "- ship it" {
		t.Fatalf("expected mirror B to receive the file, got %q", got)
	}

	if err := os.Remove(filepath.Join(dirB, "notes", "todo.md")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	mustSync(t, syncB)
	mustSync(t, syncA)
	if _, err := os.Stat(filepath.Join(dirA, "notes", "todo.md")); !os.IsNotExist(err) {
		t.Fatalf("expected delete to propagate to mirror A, stat err=%v", err)
	}
}
