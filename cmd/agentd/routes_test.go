package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/actuator/flow"
	"github.com/danmuck/roundctl/internal/agent"
	"github.com/danmuck/roundctl/internal/auth"
	"github.com/danmuck/roundctl/internal/blob"
	"github.com/danmuck/roundctl/internal/ledger"
	"github.com/danmuck/roundctl/internal/store"
	"github.com/danmuck/roundctl/internal/testutil/testlog"
)

// newStack serves a real ledger over HTTP and points an agent at it.
func newStack(t *testing.T) (*agent.Agent, *gin.Engine) {
	t.Helper()
	return newStackWithBlobs(t, nil)
}

func newStackWithBlobs(t *testing.T, blobs blob.Store) (*agent.Agent, *gin.Engine) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	registry := actuator.NewRegistry().MustRegister(flow.New(0))
	l := ledger.New(ledger.Config{EpochDuration: time.Hour}, registry)
	lr := gin.New()
	ledger.RegisterRoutes(lr, l)
	ls := httptest.NewServer(lr)
	t.Cleanup(ls.Close)

	client := ledger.NewClient(ledger.ClientConfig{BaseURL: ls.URL, MaxRetries: 1, BaseDelay: time.Millisecond})
	a := agent.New(agent.Config{Owner: "alice"}, client, store.NewMemory(), blobs, actuator.NewDispatcher(registry, 4))
	t.Cleanup(func() { _ = a.Close() })

	r := gin.New()
	registerAdminRoutes(r, a, nil)
	return a, r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestPublishSyncAndDispatchOverAdminAPI(t *testing.T) {
	a, r := newStack(t)

	path := filepath.Join(t.TempDir(), "task.json")
	task := `{
  "input": {"type": "LINK", "url": "https://example.com/in.mp4"},
  "output": {"type": "IPFS"},
  "offer": [{"bounty": 5}],
  "config": {"type": "FLOW", "config": {"steps": 2, "label": "admin"}}
}`
	if err := os.WriteFile(path, []byte(task), 0o644); err != nil {
		t.Fatalf("write task: %v", err)
	}
	body, _ := json.Marshal(pathRequest{Path: path})
	w := do(r, http.MethodPost, "/tasks/publish", string(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("publish status=%d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"0/0"`) {
		t.Fatalf("publish body=%s", w.Body.String())
	}

	w = do(r, http.MethodGet, "/tasks", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"tasks":[]`) {
		t.Fatalf("tasks before sync: %d %s", w.Code, w.Body.String())
	}
	if _, err := a.Syncer().Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	w = do(r, http.MethodGet, "/tasks/0/0", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"label":"admin"`) {
		t.Fatalf("task view: %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/tasks/0/0/dispatch", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dispatch status=%d body=%s", w.Code, w.Body.String())
	}
	var states []actuator.State
	sc := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	for sc.Scan() {
		var p actuator.Progress
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		states = append(states, p.State)
	}
	if len(states) != 2 || states[1] != actuator.StateSucceeded {
		t.Fatalf("dispatch states=%v", states)
	}

	w = do(r, http.MethodGet, "/events?from=0&count=5", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "TASK_PUBLISHED") {
		t.Fatalf("events: %d %s", w.Code, w.Body.String())
	}
}

func TestAdminAPIErrors(t *testing.T) {
	_, r := newStack(t)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/tasks/x/0", "", http.StatusBadRequest},
		{http.MethodGet, "/tasks/4/4", "", http.StatusNotFound},
		{http.MethodPost, "/tasks/4/4/dispatch", "", http.StatusNotFound},
		{http.MethodPost, "/tasks/publish", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/tasks/publish", `{"path":"/nonexistent/task.json"}`, http.StatusInternalServerError},
		{http.MethodGet, "/events?from=abc", "", http.StatusBadRequest},
		{http.MethodPost, "/epochs/advance", "", http.StatusConflict},
		{http.MethodGet, "/profiles/bob/endpoint", "", http.StatusNotFound},
		{http.MethodPut, "/profile/endpoint", `{"endpoint":"not a url"}`, http.StatusBadRequest},
		{http.MethodPut, "/profile/endpoint", `{`, http.StatusBadRequest},
		{http.MethodPost, "/blobs", `{"path":"/tmp/x"}`, http.StatusServiceUnavailable},
		{http.MethodGet, "/blobs/QmAny", "", http.StatusServiceUnavailable},
		{http.MethodPost, "/blobs/QmAny/get", `{}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := do(r, tc.method, tc.path, tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s %s status=%d want %d body=%s", tc.method, tc.path, w.Code, tc.want, w.Body.String())
		}
	}
}

func TestAdminTokenGuardsWrites(t *testing.T) {
	a, _ := newStack(t)
	r := gin.New()
	registerAdminRoutes(r, a, auth.StaticToken{Token: "s3cret"})

	if w := do(r, http.MethodGet, "/tasks", ""); w.Code != http.StatusOK {
		t.Fatalf("reads stay open: %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/epochs/advance", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("advance without token: %d", w.Code)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/epochs/advance", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("advance with token reaches the ledger: %d %s", w.Code, w.Body.String())
	}
}

func TestStatusCountAndEndpointOverAdminAPI(t *testing.T) {
	_, r := newStack(t)

	w := do(r, http.MethodGet, "/epochs/current", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ACTIVE"`) {
		t.Fatalf("round status: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/events/count", "")
	if w.Code != http.StatusOK || w.Body.String() != `{"count":1}` {
		t.Fatalf("event count: %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPut, "/profile/endpoint", `{"endpoint":"https://alice.example.com"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("set endpoint: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/profiles/alice/endpoint", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"endpoint":"https://alice.example.com"`) {
		t.Fatalf("get endpoint: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/profiles/alice", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"fields":{"endpoint":"https://alice.example.com"}`) {
		t.Fatalf("profile: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/events/count", "")
	if w.Body.String() != `{"count":2}` {
		t.Fatalf("profile update should append an event: %s", w.Body.String())
	}
}

// newIPFSNode is an in-memory stand-in for a node's RPC API.
func newIPFSNode(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	objects := make(map[string][]byte)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		mu.Lock()
		cid := "Qm" + strconv.Itoa(len(objects))
		objects[cid] = data
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"Name": "f", "Hash": cid, "Size": strconv.Itoa(len(data))})
	})
	lookup := func(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		data, ok := objects[r.URL.Query().Get("arg")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
		}
		return data, ok
	}
	mux.HandleFunc("/api/v0/cat", func(w http.ResponseWriter, r *http.Request) {
		if data, ok := lookup(w, r); ok {
			w.Header().Set("X-Content-Length", strconv.Itoa(len(data)))
			_, _ = w.Write(data)
		}
	})
	mux.HandleFunc("/api/v0/object/stat", func(w http.ResponseWriter, r *http.Request) {
		if data, ok := lookup(w, r); ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"Hash": r.URL.Query().Get("arg"), "CumulativeSize": len(data), "DataSize": len(data)})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBlobsOverAdminAPI(t *testing.T) {
	node := newIPFSNode(t)
	_, r := newStackWithBlobs(t, blob.NewIPFSClient(blob.IPFSConfig{APIURL: node.URL, MaxRetries: 1}))
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.bin")
	payload := []byte("segment bytes for the operator api")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	body, _ := json.Marshal(pathRequest{Path: src})
	w := do(r, http.MethodPost, "/blobs", string(body))
	if w.Code != http.StatusCreated || w.Body.String() != `{"cid":"Qm0"}` {
		t.Fatalf("add: %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/blobs/Qm0", "")
	if w.Code != http.StatusOK || w.Body.String() != string(payload) {
		t.Fatalf("cat: %d %q", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/blobs/Qm0/stat", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cumulative_size":`+strconv.Itoa(len(payload))) {
		t.Fatalf("stat: %d %s", w.Code, w.Body.String())
	}
	if w = do(r, http.MethodGet, "/blobs/QmNope", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("missing cat: %d %s", w.Code, w.Body.String())
	}

	dest := filepath.Join(dir, "copy.bin")
	body, _ = json.Marshal(pathRequest{Path: dest})
	w = do(r, http.MethodPost, "/blobs/Qm0/get", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	var last agent.FileProgress
	sc := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	for sc.Scan() {
		if err := json.Unmarshal(sc.Bytes(), &last); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
	}
	if !last.Done || last.Err != "" || last.Bytes != uint64(len(payload)) || last.Total != uint64(len(payload)) {
		t.Fatalf("final progress %+v", last)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != string(payload) {
		t.Fatalf("downloaded %q err=%v", got, err)
	}

	body, _ = json.Marshal(pathRequest{Path: filepath.Join(dir, "none.bin")})
	w = do(r, http.MethodPost, "/blobs/QmNope/get", string(body))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"done":true`) || !strings.Contains(w.Body.String(), "remote error") {
		t.Fatalf("failed get: %d %s", w.Code, w.Body.String())
	}
}
