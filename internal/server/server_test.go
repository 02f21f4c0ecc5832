package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"scribe/internal/identity"
	"scribe/internal/scribe"
	"scribe/internal/testutil"
)

type testAPI struct {
	*httptest.Server
	t *testing.T
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := testutil.NewTestStore()
	projects := scribe.NewProjectStore(store, nil, identity.Context{}, nil, nil, testutil.FixedClock())
	ledger := scribe.NewLedger(store, testutil.FixedClock(), testutil.NewStubIDGenerator(), nil)
	srv := New(Options{Projects: projects, Ledger: ledger, IDs: testutil.NewStubIDGenerator()})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testAPI{Server: ts, t: t}
}

// do sends a request as owner (none when empty) and decodes a JSON response
// into out when out is non-nil.
func (a *testAPI) do(method, path, owner string, body any, out any) int {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("encoding body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.URL+path, r)
	if err != nil {
		a.t.Fatalf("NewRequest() error = %v", err)
	}
	if owner != "" {
		req.Header.Set(identity.OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			a.t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func storyProject(id string) *scribe.Project {
	return &scribe.Project{
		ID:    id,
		Title: "Harbor Lights",
		Memory: scribe.MemoryCore{
			Characters: []scribe.Character{{ID: "c1", Name: "Ines"}, {ID: "c2", Name: "Tomas"}},
		},
		Manuscripts: []scribe.Manuscript{{ID: "m1", Content: "The ferry was late."}},
		Gallery:     []scribe.GalleryImage{{ID: "g1", Src: scribe.EncodeDataURL("image/png", []byte("px"))}},
	}
}

func TestServer_Health(t *testing.T) {
	api := newTestAPI(t)
	if status := api.do(http.MethodGet, "/health", "", nil, nil); status != http.StatusOK {
		t.Errorf("GET /health = %d", status)
	}
}

func TestServer_CreateAndList(t *testing.T) {
	api := newTestAPI(t)

	var created saveResponse
	status := api.do(http.MethodPost, "/api/projects", "alice", createProjectRequest{Title: "Harbor Lights"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("POST /api/projects = %d", status)
	}
	if created.Project.ID != "id-1" || created.Project.OwnerID != "alice" {
		t.Errorf("created project id=%q owner=%q", created.Project.ID, created.Project.OwnerID)
	}

	var list []*scribe.Project
	if status := api.do(http.MethodGet, "/api/projects", "alice", nil, &list); status != http.StatusOK {
		t.Fatalf("GET /api/projects = %d", status)
	}
	if len(list) != 1 || list[0].Title != "Harbor Lights" {
		t.Errorf("list = %+v", list)
	}

	list = nil
	api.do(http.MethodGet, "/api/projects", "bob", nil, &list)
	if len(list) != 0 {
		t.Errorf("bob sees %d projects", len(list))
	}
}

func TestServer_Errors(t *testing.T) {
	api := newTestAPI(t)
	if status := api.do(http.MethodPut, "/api/projects/p1", "alice", storyProject("p1"), nil); status != http.StatusOK {
		t.Fatalf("PUT = %d", status)
	}

	tests := []struct {
		name   string
		method string
		path   string
		owner  string
		body   any
		want   int
	}{
		{name: "list without owner", method: http.MethodGet, path: "/api/projects", want: http.StatusUnauthorized},
		{name: "create without title", method: http.MethodPost, path: "/api/projects", owner: "alice", body: createProjectRequest{}, want: http.StatusBadRequest},
		{name: "missing project", method: http.MethodGet, path: "/api/projects/nope", owner: "alice", want: http.StatusNotFound},
		{name: "other owner", method: http.MethodGet, path: "/api/projects/p1", owner: "bob", want: http.StatusForbidden},
		{name: "other owner overwrite", method: http.MethodPut, path: "/api/projects/p1", owner: "bob", body: storyProject("p1"), want: http.StatusForbidden},
		{name: "id mismatch", method: http.MethodPut, path: "/api/projects/p2", owner: "alice", body: storyProject("p1"), want: http.StatusBadRequest},
		{name: "unknown collection", method: http.MethodPost, path: "/api/projects/p1/history", owner: "alice", body: targetRequest{Collection: "chapters", EntityID: "x"}, want: http.StatusBadRequest},
		{name: "unknown version", method: http.MethodPost, path: "/api/projects/p1/history/v9/restore", owner: "alice", body: targetRequest{}, want: http.StatusNotFound},
		{name: "assign missing image", method: http.MethodPost, path: "/api/projects/p1/gallery/g9/assign", owner: "alice", body: assignRequest{Kind: "characters", ID: "c1"}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := api.do(tt.method, tt.path, tt.owner, tt.body, nil); got != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestServer_SnapshotAndRestore(t *testing.T) {
	api := newTestAPI(t)
	api.do(http.MethodPut, "/api/projects/p1", "alice", storyProject("p1"), nil)

	target := targetRequest{Collection: scribe.CollectionManuscripts, EntityID: "m1"}
	var rec scribe.VersionRecord
	if status := api.do(http.MethodPost, "/api/projects/p1/history", "alice", target, &rec); status != http.StatusCreated {
		t.Fatalf("snapshot = %d", status)
	}

	edited := storyProject("p1")
	edited.Manuscripts[0].Content = "The ferry never came."
	api.do(http.MethodPut, "/api/projects/p1", "alice", edited, nil)

	var restored saveResponse
	if status := api.do(http.MethodPost, "/api/projects/p1/history/"+rec.ID+"/restore", "alice", target, &restored); status != http.StatusOK {
		t.Fatalf("restore = %d", status)
	}
	if got := restored.Project.Manuscripts[0].Content; got != "The ferry was late." {
		t.Errorf("restored content = %q", got)
	}

	var versions []*scribe.VersionRecord
	api.do(http.MethodGet, "/api/projects/p1/history?collection=manuscripts&entity=m1", "alice", nil, &versions)
	if len(versions) != 2 || versions[0].Note != scribe.NoteBeforeRestore {
		t.Errorf("history = %+v", versions)
	}

	var loaded scribe.Project
	api.do(http.MethodGet, "/api/projects/p1", "alice", nil, &loaded)
	if loaded.Manuscripts[0].Content != "The ferry was late." {
		t.Errorf("stored content = %q", loaded.Manuscripts[0].Content)
	}
}

func TestServer_MergeAndAssign(t *testing.T) {
	api := newTestAPI(t)
	api.do(http.MethodPut, "/api/projects/p1", "alice", storyProject("p1"), nil)

	incoming := scribe.MemoryCore{Characters: []scribe.Character{{ID: "c2", Name: "Tomas Vidal"}, {ID: "c3", Name: "Rosa"}}}
	var result scribe.MergeResult
	if status := api.do(http.MethodPost, "/api/projects/p1/memory", "alice", incoming, &result); status != http.StatusOK {
		t.Fatalf("merge = %d", status)
	}
	if len(result.Added) != 1 || len(result.Updated) != 1 || len(result.Snapshots) != 1 {
		t.Errorf("merge result = %+v", result)
	}

	var assigned saveResponse
	status := api.do(http.MethodPost, "/api/projects/p1/gallery/g1/assign", "alice", assignRequest{Kind: "characters", ID: "c3"}, &assigned)
	if status != http.StatusOK {
		t.Fatalf("assign = %d", status)
	}
	chars := assigned.Project.Memory.Characters
	if len(chars) != 3 || chars[2].ImageURL != "g1" {
		t.Errorf("characters after assign = %+v", chars)
	}
}

func TestServer_Delete(t *testing.T) {
	api := newTestAPI(t)
	api.do(http.MethodPut, "/api/projects/p1", "alice", storyProject("p1"), nil)

	if status := api.do(http.MethodDelete, "/api/projects/p1", "bob", nil, nil); status != http.StatusForbidden {
		t.Errorf("DELETE by bob = %d, want 403", status)
	}
	if status := api.do(http.MethodDelete, "/api/projects/p1", "alice", nil, nil); status != http.StatusNoContent {
		t.Fatalf("DELETE = %d", status)
	}
	if status := api.do(http.MethodGet, "/api/projects/p1", "alice", nil, nil); status != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", status)
	}
}

func TestServer_ProjectFeed(t *testing.T) {
	api := newTestAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/api/feed/projects"
	if _, resp, err := websocket.Dial(ctx, wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous dial: err = %v, resp = %v", err, resp)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.OwnerHeader: []string{"alice"}},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg feedMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("reading first message: %v", err)
	}
	if msg.Type != "projects" || len(msg.Projects) != 0 {
		t.Errorf("first message = %+v, want empty list", msg)
	}

	api.do(http.MethodPut, "/api/projects/p1", "alice", storyProject("p1"), nil)

	for {
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for update: %v", err)
		}
		if len(msg.Projects) == 1 {
			break
		}
	}
	if p := msg.Projects[0]; p.ID != "p1" || p.Title != "Harbor Lights" || len(p.Memory.Characters) != 0 {
		t.Errorf("feed summary = %+v", p)
	}
}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"http://localhost:*", "https://app.example.com"})
	if len(got) != 2 || got[0] != "localhost:*" || got[1] != "app.example.com" {
		t.Errorf("originHosts() = %q", got)
	}
}
