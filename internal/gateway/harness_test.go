package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/fleetrelay/internal/bus"
	"github.com/basket/fleetrelay/internal/config"
	"github.com/basket/fleetrelay/internal/coordinator"
	"github.com/basket/fleetrelay/internal/directory"
	"github.com/basket/fleetrelay/internal/gateway"
	"github.com/basket/fleetrelay/internal/logstream"
	"github.com/basket/fleetrelay/internal/pending"
	"github.com/basket/fleetrelay/internal/persistence"
	"github.com/basket/fleetrelay/internal/ratelimit"
	"github.com/basket/fleetrelay/internal/registry"
	"github.com/basket/fleetrelay/internal/statuscache"
	"github.com/basket/fleetrelay/internal/terminal"
	"github.com/basket/fleetrelay/internal/tokens"
)

const testTenant = "acme"

// syncBuffer collects log output from concurrent handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	url      string
	srv      *gateway.Server
	tokens   *tokens.Service
	store    *persistence.Store
	registry *registry.Registry
	pending  *pending.Table
	streams  *logstream.Table
	terms    *terminal.Manager
	sweeper  *gateway.Sweeper
	logs     *syncBuffer
}

type harnessOption func(*gateway.Config)

func withLimits(l gateway.Limits) harnessOption {
	return func(c *gateway.Config) { c.Limits = l }
}

func withPendingTimeout(d time.Duration) harnessOption {
	return func(c *gateway.Config) { c.PendingTimeout = func(string) time.Duration { return d } }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := bus.New()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleetrelay.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := tokens.NewService(tokens.Config{Secret: "gateway-test-secret-0123456789abcdef", Issuer: "fleetrelay"})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	dir := directory.New([]config.TenantConfig{{
		ID:        testTenant,
		Instances: []config.InstanceConfig{{ID: "i-1", Name: "web-1"}, {ID: "i-2", Name: "db-1"}},
		Members: []config.MemberConfig{
			{User: "reader", Access: "read"},
			{User: "writer", Access: "write"},
		},
	}})

	limiter := ratelimit.New()
	reg := registry.New(registry.Config{Bus: b, Logger: logger, SendTimeout: 2 * time.Second})
	pt := pending.New(pending.Config{Sender: reg, MaxPerClient: 100, Bus: b, Logger: logger})
	streams := logstream.New(logstream.Config{Sender: reg, Limiter: limiter, Logger: logger})
	terms := terminal.NewManager(terminal.Config{Sender: reg, Logger: logger})
	coords := coordinator.NewManager(coordinator.Config{
		Store:         store,
		Cache:         statuscache.NewKV(store),
		Bus:           b,
		Logger:        logger,
		Lease:         time.Minute,
		Protocol:      "fleet-agent/1",
		MinVersion:    "1.0.0",
		LatestVersion: "1.2.0",
	})

	cfg := gateway.Config{
		Registry:     reg,
		Pending:      pt,
		Streams:      streams,
		Terminals:    terms,
		Coordinators: coords,
		Limiter:      limiter,
		Tokens:       svc,
		Instances:    dir,
		Permissions:  dir,
		Store:        store,
		Logger:       logger,
		Limits: gateway.Limits{
			RequestsPerWindow:   100,
			Window:              time.Minute,
			MaxPendingPerClient: 100,
			LogChunksPerSecond:  50,
		},
		ConfigFingerprint: "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	pt.SetMaxPerClient(cfg.Limits.MaxPendingPerClient)
	srv := gateway.New(cfg)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		url:      ts.URL,
		srv:      srv,
		tokens:   svc,
		store:    store,
		registry: reg,
		pending:  pt,
		streams:  streams,
		terms:    terms,
		sweeper:  gateway.NewSweeper(gateway.SweeperConfig{Registry: reg, Pending: pt, Terminals: terms, Limiter: limiter, Logger: logger}),
		logs:     logs,
	}
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.url, "http") + path
}

func (h *harness) dial(t *testing.T, role registry.Role, subject string) *websocket.Conn {
	t.Helper()
	token, err := h.tokens.IssueConnection(string(role), testTenant, subject)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.wsURL("/ws/"+string(role)), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func (h *harness) client(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	return h.dial(t, registry.RoleClient, user)
}

// agent connects an agent and completes the handshake.
func (h *harness) agent(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := h.dial(t, registry.RoleAgent, "agent-web-1")
	send(t, conn, map[string]any{"kind": "hello", "protocol": "fleet-agent/1", "version": "1.2.0", "instanceName": "web-1"})
	res := readKind(t, conn, "hello")
	if res["status"] != "accepted" {
		t.Fatalf("hello not accepted: %v", res)
	}
	return conn
}

func (h *harness) queueDepth(t *testing.T) (int, int) {
	t.Helper()
	p, l, err := h.store.QueueDepth(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	return p, l
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readKind reads until a message of the given kind arrives. Other kinds are
// skipped.
func readKind(t *testing.T, conn *websocket.Conn, kind string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %q: %v", kind, err)
		}
		if msg["kind"] == kind {
			return msg
		}
	}
}

// readNext returns the next message whatever its kind.
func readNext(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectError(t *testing.T, conn *websocket.Conn, code, requestID string) map[string]any {
	t.Helper()
	msg := readNext(t, conn)
	if msg["kind"] != "error" || msg["code"] != code {
		t.Fatalf("expected %s error, got %v", code, msg)
	}
	if requestID != "" && msg["requestId"] != requestID {
		t.Fatalf("error requestId = %v, want %s", msg["requestId"], requestID)
	}
	return msg
}

// taskItems reads one task batch from an agent connection.
func taskItems(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	msg := readKind(t, conn, "task")
	raw, _ := json.Marshal(msg["items"])
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	return items
}

// fence proves nothing else is queued for conn: it sends a request that is
// rejected synchronously and asserts the rejection is the next message.
func fence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	id := fmt.Sprintf("fence-%d", time.Now().UnixNano())
	send(t, conn, map[string]any{"kind": "deploy", "requestId": id})
	msg := readNext(t, conn)
	if msg["kind"] != "error" || msg["code"] != "MISSING_FIELD" || msg["requestId"] != id {
		t.Fatalf("unexpected message before fence: %v", msg)
	}
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// connIDs lists the ids of ready connections with role, oldest first.
func (h *harness) connIDs(t *testing.T, role registry.Role) []string {
	t.Helper()
	conns := h.registry.List(testTenant, role)
	sort.Slice(conns, func(i, k int) bool { return conns[i].ConnectedAt.Before(conns[k].ConnectedAt) })
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return ids
}
