package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/auth"
	"github.com/vovakirdan/wirechat-realtime/internal/config"
	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/proto"
	"github.com/vovakirdan/wirechat-realtime/internal/store"
	"github.com/vovakirdan/wirechat-realtime/internal/store/sqlite"
)

type testEnv struct {
	ts    *httptest.Server
	store store.Store
	auth  *auth.Service
	hub   *core.Hub
}

// startTestServer runs a hub and the full router on an in-memory SQLite database.
func startTestServer(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.HandshakeTimeout = time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	logger := zerolog.Nop()
	authService := createTestAuthService(st)
	hub := core.NewHub(st, &logger, core.WithMaxTextLength(cfg.MaxTextLength))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ts := httptest.NewServer(NewHandler(hub, authService, st, &cfg, &logger))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = st.Close()
	})

	return &testEnv{ts: ts, store: st, auth: authService, hub: hub}
}

func createTestAuthService(st store.Store) *auth.Service {
	return auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})
}

// registerUser creates an account through the store and returns its id and a token.
func (e *testEnv) registerUser(t *testing.T, username string) (int64, string) {
	t.Helper()

	token, err := e.auth.Register(context.Background(), username, "password123")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	identity, err := e.auth.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate %s: %v", username, err)
	}
	return identity.UserID, token
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

// dial connects with a query token and waits for ready.
func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	readEvent(t, conn, "ready")
	return conn
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func send(t *testing.T, conn *websocket.Conn, kind string, data any) {
	t.Helper()

	inbound, err := proto.NewInbound(kind, data)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, inbound); err != nil {
		t.Fatalf("write %s: %v", kind, err)
	}
}

// readEvent skips frames until the named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, name string) json.RawMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if out.Type == proto.OutboundTypeEvent && out.Event == name {
			return out.Data
		}
	}
}

// readError skips events until an error frame arrives.
func readError(t *testing.T, conn *websocket.Conn) *proto.Error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("waiting for error frame: %v", err)
		}
		if out.Type == proto.OutboundTypeError {
			return out.Error
		}
	}
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}
