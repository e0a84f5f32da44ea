package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/condoware/porteiro/internal/api"
	"github.com/condoware/porteiro/internal/directory"
	dirmock "github.com/condoware/porteiro/internal/directory/mock"
	"github.com/condoware/porteiro/internal/extension"
	"github.com/condoware/porteiro/internal/resource"
	"github.com/condoware/porteiro/internal/session"
	"github.com/condoware/porteiro/pkg/audiosocket"
)

// drainRunner accepts a leg and discards its bytes.
type drainRunner struct{}

func (drainRunner) Run(_ context.Context, conn net.Conn) error {
	defer conn.Close()
	io.Copy(io.Discard, conn)
	return nil
}

type env struct {
	server    *api.Server
	store     *dirmock.Store
	manager   *extension.Manager
	registry  *session.Registry
	resources *resource.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: &dirmock.Store{ExtensionRows: []directory.Extension{
			{ID: 1, IANumber: "1001", ReturnNumber: "1002", BindIP: "127.0.0.1"},
		}},
		registry:  session.NewRegistry(),
		resources: resource.NewManager(resource.Limits{Transcriptions: 1, Syntheses: 1}),
	}
	e.manager = extension.NewManager(extension.ManagerConfig{
		Store:   e.store,
		Factory: func(session.Role) extension.Runner { return drainRunner{} },
	})
	if err := e.manager.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.manager.Stop)

	e.server = api.NewServer(api.ServerConfig{
		Extensions:  e.manager,
		Registry:    e.registry,
		Resources:   e.resources,
		Store:       e.store,
		HangupGrace: 10 * time.Millisecond,
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, json.RawMessage, string) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	var envl struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envl); err != nil {
		t.Fatalf("response is not an envelope: %v (%s)", err, rec.Body.String())
	}
	return rec, envl.Data, envl.Error
}

func TestStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	rec, data, _ := e.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %v, want none", items)
	}

	callID := audiosocket.NewCallID()
	e.registry.GetOrCreate(callID)
	us, them := net.Pipe()
	defer us.Close()
	defer them.Close()
	e.resources.Register(callID.String(), session.RoleVisitor, us)

	_, data, _ = e.do(t, http.MethodGet, "/api/status", nil)
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0]["call_id"] != callID.String() {
		t.Errorf("call_id = %v, want %s", items[0]["call_id"], callID)
	}
	legs, ok := items[0]["legs"].([]any)
	if !ok || len(legs) != 1 {
		t.Fatalf("legs = %v, want one", items[0]["legs"])
	}
	if leg := legs[0].(map[string]any); leg["role"] != "visitor" {
		t.Errorf("leg role = %v, want visitor", leg["role"])
	}
}

func TestExtensions(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	rec, data, _ := e.do(t, http.MethodGet, "/api/extensions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Directory []directory.Extension `json:"directory"`
		Running   []extension.Status    `json:"running"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Directory) != 1 || resp.Directory[0].IANumber != "1001" {
		t.Errorf("directory = %+v, want the configured row", resp.Directory)
	}
	if len(resp.Running) != 1 || resp.Running[0].VisitorPort == 0 {
		t.Errorf("running = %+v, want one pair with a bound port", resp.Running)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.store.ExtensionRows = append(e.store.ExtensionRows,
		directory.Extension{ID: 2, IANumber: "2001", BindIP: "127.0.0.1"})

	rec, data, _ := e.do(t, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var diff extension.Diff
	if err := json.Unmarshal(data, &diff); err != nil {
		t.Fatal(err)
	}
	if diff != (extension.Diff{Added: 1}) {
		t.Errorf("diff = %+v, want 1 added", diff)
	}
}

func TestRestart(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	cases := []struct {
		name string
		body any
		code int
	}{
		{"by id", map[string]any{"extension_id": 1}, http.StatusOK},
		{"by ramal", map[string]any{"ramal": "1001"}, http.StatusOK},
		{"unknown id", map[string]any{"extension_id": 99}, http.StatusNotFound},
		{"unknown ramal", map[string]any{"ramal": "9999"}, http.StatusNotFound},
		{"empty body", map[string]any{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _, errMsg := e.do(t, http.MethodPost, "/api/restart", tc.body)
			if rec.Code != tc.code {
				t.Errorf("status = %d (%s), want %d", rec.Code, errMsg, tc.code)
			}
		})
	}
}

func TestRestart_MalformedBody(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/restart", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHangup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	callID := audiosocket.NewCallID()
	sess, _ := e.registry.GetOrCreate(callID)
	us, them := net.Pipe()
	defer us.Close()
	e.resources.Register(callID.String(), session.RoleVisitor, us)

	frames := make(chan audiosocket.Frame, 1)
	go func() {
		f, err := audiosocket.ReadFrame(them)
		if err == nil {
			frames <- f
		}
	}()

	rec, _, _ := e.do(t, http.MethodPost, "/api/hangup",
		map[string]string{"call_id": callID.String(), "role": "visitor"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case f := <-frames:
		if !f.IsHangup() {
			t.Errorf("frame kind = 0x%02x, want HANGUP", f.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no HANGUP frame written")
	}

	deadline := time.Now().Add(time.Second)
	for !sess.TerminateVisitor.IsSet() {
		if time.Now().After(deadline) {
			t.Fatal("session was not ended after the grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHangup_Errors(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	cases := []struct {
		name string
		body map[string]string
		code int
	}{
		{"bad call id", map[string]string{"call_id": "nope", "role": "visitor"}, http.StatusBadRequest},
		{"bad role", map[string]string{"call_id": audiosocket.NewCallID().String(), "role": "porter"}, http.StatusBadRequest},
		{"unknown leg", map[string]string{"call_id": audiosocket.NewCallID().String(), "role": "visitor"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _, _ := e.do(t, http.MethodPost, "/api/hangup", tc.body)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}
