package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/forumcache/pkg/config"
	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/store"
)

// forum is a fake backend whose routes can be changed between runs.
type forum struct {
	mu     sync.Mutex
	routes map[string]string // "METHOD /path" -> JSON body
	fail   bool
}

func (f *forum) set(key, body string) {
	f.mu.Lock()
	f.routes[key] = body
	f.mu.Unlock()
}

func (f *forum) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func newEnv(t *testing.T) (*forum, *config.Config) {
	t.Helper()
	f := &forum{routes: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.routes[r.Method+" "+r.URL.Path]
		fail := f.fail
		f.mu.Unlock()
		switch {
		case fail:
			http.Error(w, `{"message":"down"}`, http.StatusServiceUnavailable)
		case !ok:
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)

	cfg, err := config.LoadFrom(map[string]string{
		"FORUMCACHE_DB":      filepath.Join(t.TempDir(), "sub", "cache.db"),
		"FORUMCACHE_API_URL": srv.URL,
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return f, cfg
}

// syncBuffer is a bytes.Buffer safe for a writer and a concurrent reader.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func runCmd(t *testing.T, cfg *config.Config, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, cfg, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestVersion(t *testing.T) {
	_, cfg := newEnv(t)
	code, out, _ := runCmd(t, cfg, "--version")
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, version) {
		t.Fatalf("version output = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, cfg := newEnv(t)
	code, _, errOut := runCmd(t, cfg, "frobnicate")
	if code != exitError {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(errOut, "fcache:") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestGet_ServesPersistedCopyWhenOffline(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/posts/7", `{"id":7,"title":"hello","likes":3}`)

	code, out, errOut := runCmd(t, cfg, "--json", "get", "7")
	if code != exitOK {
		t.Fatalf("get: exit %d: %s", code, errOut)
	}
	var e model.Entity
	if err := json.Unmarshal([]byte(out), &e); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if e.ID != "7" || e.Fields["title"] != "hello" {
		t.Fatalf("entity = %+v", e)
	}

	// A new process with the API down reads the persisted copy.
	f.setFail(true)
	code, out, errOut = runCmd(t, cfg, "get", "7")
	if code != exitOK {
		t.Fatalf("offline get: exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "title: hello") {
		t.Fatalf("offline get output = %q", out)
	}
}

func TestGet_NotFound(t *testing.T) {
	_, cfg := newEnv(t)
	code, _, errOut := runCmd(t, cfg, "get", "404")
	if code != exitError {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(errOut, "not found") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestList(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/posts/tab/hot", `[{"id":1,"title":"first"},{"id":2,"content":"second"},{"id":3}]`)

	code, out, errOut := runCmd(t, cfg, "list", "tab:hot")
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"tab:hot: 3 item(s)", "1  first", "2  second", "  3\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	code, _, _ = runCmd(t, cfg, "list", "")
	if code != exitError {
		t.Fatalf("empty key: exit = %d", code)
	}
}

func TestMutate_Confirmed(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/posts/7", `{"id":7,"likes":3}`)
	f.set("POST /api/posts/7/like", `{"success":true}`)

	code, out, errOut := runCmd(t, cfg, "--json", "mutate", "like", "7")
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res["ok"] != true || res["value"] != float64(4) || res["optimistic"] != float64(4) || res["liked"] != true {
		t.Fatalf("result = %v", res)
	}
}

func TestMutate_UnlikeRollsBackBothFields(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/posts/7", `{"id":7,"likes":4,"liked":true}`)

	// No unlike route: the POST answers 404.
	code, out, errOut := runCmd(t, cfg, "--json", "mutate", "unlike", "7")
	if code != exitRollback {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res["optimistic"] != float64(3) || res["value"] != float64(4) || res["liked"] != true {
		t.Fatalf("result = %v", res)
	}
}

func TestMutate_RollbackExitCode(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/users/9", `{"id":9,"following":false}`)

	// No follow route: the POST answers 404 and the change is rolled back.
	code, _, errOut := runCmd(t, cfg, "mutate", "follow", "9")
	if code != exitRollback {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
}

func TestMutate_RejectsUnknownIntent(t *testing.T) {
	_, cfg := newEnv(t)
	code, _, _ := runCmd(t, cfg, "mutate", "boost", "7")
	if code != exitError {
		t.Fatalf("exit = %d", code)
	}
}

func TestInvalidate_PublishesToLog(t *testing.T) {
	_, cfg := newEnv(t)
	code, out, errOut := runCmd(t, cfg, "invalidate", "--collection", "tab:hot", "--reason", "new post")
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "invalidated collection:tab:hot (log id 1)") {
		t.Fatalf("output = %q", out)
	}

	code, out, _ = runCmd(t, cfg, "--json", "status")
	if code != exitOK {
		t.Fatalf("status exit = %d", code)
	}
	var r statusReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if r.Invalidations != 1 || r.LastLogID != 1 {
		t.Fatalf("status = %+v", r)
	}
}

func TestInvalidate_NeedsOneTarget(t *testing.T) {
	_, cfg := newEnv(t)
	if code, _, _ := runCmd(t, cfg, "invalidate"); code != exitError {
		t.Fatalf("no target: exit = %d", code)
	}
	if code, _, _ := runCmd(t, cfg, "invalidate", "--entity", "1", "--collection", "tab:hot"); code != exitError {
		t.Fatalf("two targets: exit = %d", code)
	}
}

func TestStatusAndSweep(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/posts/tab/hot", `[{"id":1},{"id":2}]`)
	if code, _, errOut := runCmd(t, cfg, "list", "tab:hot"); code != exitOK {
		t.Fatalf("list: %s", errOut)
	}

	code, out, _ := runCmd(t, cfg, "--json", "status", "--entries")
	if code != exitOK {
		t.Fatalf("status exit = %d", code)
	}
	var r statusReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if r.Entities != 2 || r.Collections != 1 || len(r.Entries) != 3 {
		t.Fatalf("status = %+v", r)
	}

	// Fresh entries survive a sweep.
	code, out, _ = runCmd(t, cfg, "sweep")
	if code != exitOK || !strings.Contains(out, "removed 0") {
		t.Fatalf("sweep: exit %d, %q", code, out)
	}
}

func TestEvictAndClearUser(t *testing.T) {
	f, cfg := newEnv(t)
	f.set("GET /api/users/9", `{"id":9,"username":"ana"}`)
	if code, _, errOut := runCmd(t, cfg, "get", "user:9"); code != exitOK {
		t.Fatalf("get: %s", errOut)
	}

	code, out, _ := runCmd(t, cfg, "clear-user", "9")
	if code != exitOK || !strings.Contains(out, "cleared cache for user 9") {
		t.Fatalf("clear-user: exit %d, %q", code, out)
	}
	f.setFail(true)
	if code, _, _ := runCmd(t, cfg, "get", "user:9"); code != exitError {
		t.Fatalf("profile still served after clear-user")
	}

	code, out, _ = runCmd(t, cfg, "evict", "--reconcile", "5")
	if code != exitOK || !strings.Contains(out, "evicted 5") {
		t.Fatalf("evict: exit %d, %q", code, out)
	}
}

func TestWatch_AppliesPublishedInvalidations(t *testing.T) {
	_, cfg := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--json", "watch", "--interval", "10ms"}, cfg, out, &syncBuffer{})
	}()

	// Another process publishes after the watcher has started.
	if err := os.MkdirAll(filepath.Dir(cfg.DB), 0o755); err != nil {
		t.Fatal(err)
	}
	other, err := store.New(cfg.DB)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), `"target": "collection:tab:hot"`) {
		if time.Now().After(deadline) {
			t.Fatalf("no change printed; output = %q", out.String())
		}
		if _, err := other.PublishInvalidation(context.Background(), "other", model.Invalidation{
			Collection: model.Key(model.CollTab, "hot"),
			ReceivedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case code := <-done:
		if code != exitOK {
			t.Fatalf("watch exit = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
