package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/netosc/internal/envelope"
	"github.com/nerrad567/netosc/internal/infrastructure/config"
	"github.com/nerrad567/netosc/internal/journal"
)

func testBrokerConfig() config.BrokerConfig {
	cfg := config.Defaults().Broker
	cfg.Listen = "127.0.0.1:0"
	return cfg
}

func startServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Config.Listen == "" {
		deps.Config = testBrokerConfig()
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + srv.Addr() + srv.cfg.WebSocket.Path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, e envelope.Envelope) {
	t.Helper()
	data, err := envelope.Encode(e)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// readUntil reads envelopes until match returns true or the deadline passes.
func readUntil(t *testing.T, ws *websocket.Conn, timeout time.Duration, match func(envelope.Envelope) bool) (envelope.Envelope, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		//nolint:errcheck // Deadline errors surface on the read below
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, false
			}
			t.Fatalf("ReadMessage() error = %v", err)
		}
		env, err := envelope.Decode(data)
		if err != nil {
			t.Fatalf("broker sent undecodable frame %s: %v", data, err)
		}
		if match(env) {
			return env, true
		}
	}
}

func isState(e envelope.Envelope) bool {
	_, ok := e.(envelope.State)
	return ok
}

func isPublish(e envelope.Envelope) bool {
	_, ok := e.(envelope.Publish)
	return ok
}

// subscribeAndWait subscribes and waits for the broadcast that confirms the binding.
func subscribeAndWait(t *testing.T, ws *websocket.Conn, id string, topics ...string) {
	t.Helper()
	sendEnvelope(t, ws, envelope.Subscribe{ClientID: id, Topics: topics})
	if _, ok := readUntil(t, ws, 2*time.Second, isState); !ok {
		t.Fatalf("%s: no state broadcast after subscribe", id)
	}
}

func TestServer_FanOutOverWebSocket(t *testing.T) {
	srv := startServer(t, Deps{})

	a, b, d := dial(t, srv), dial(t, srv), dial(t, srv)
	subscribeAndWait(t, a, "A", "/foo/*")
	subscribeAndWait(t, b, "B", "/bar")
	subscribeAndWait(t, d, "D", "/*")

	sendEnvelope(t, a, envelope.Publish{
		ClientID: "A",
		Address:  "/foo/x",
		Args:     []envelope.Arg{envelope.IntArg(1), envelope.FloatArg(2.5), envelope.StringArg("s")},
	})

	env, ok := readUntil(t, d, 2*time.Second, isPublish)
	if !ok {
		t.Fatal("D received no forwarded message")
	}
	got := env.(envelope.Publish)
	if got.Address != "/foo/x" || len(got.Args) != 3 {
		t.Fatalf("D received %+v", got)
	}
	if got.Args[0].Kind != envelope.KindInt || got.Args[1].Kind != envelope.KindFloat || got.Args[2].Kind != envelope.KindString {
		t.Errorf("arg kinds = %v %v %v", got.Args[0].Kind, got.Args[1].Kind, got.Args[2].Kind)
	}

	// The snapshot that follows the publish lists A's address.
	env, ok = readUntil(t, b, 2*time.Second, func(e envelope.Envelope) bool {
		s, ok := e.(envelope.State)
		return ok && len(s.Clients) > 0
	})
	if !ok {
		t.Fatal("B received no state listing the publisher")
	}
	if st := env.(envelope.State); !reflect.DeepEqual(st.Clients, map[string][]string{"A": {"/foo/x"}}) {
		t.Errorf("state = %v", st.Clients)
	}

	if _, ok := readUntil(t, b, 300*time.Millisecond, isPublish); ok {
		t.Error("B received a message it did not subscribe to")
	}
}

func TestServer_DisconnectBroadcastsState(t *testing.T) {
	srv := startServer(t, Deps{})

	a, b := dial(t, srv), dial(t, srv)
	subscribeAndWait(t, b, "B", "/*")
	sendEnvelope(t, a, envelope.Publish{ClientID: "A", Address: "/a", Args: []envelope.Arg{}})
	if _, ok := readUntil(t, b, 2*time.Second, isPublish); !ok {
		t.Fatal("B did not receive A's message")
	}

	a.Close()

	_, ok := readUntil(t, b, 2*time.Second, func(e envelope.Envelope) bool {
		s, ok := e.(envelope.State)
		return ok && len(s.Clients) == 0
	})
	if !ok {
		t.Fatal("no state without A after disconnect")
	}
}

func TestServer_HTTPEndpoints(t *testing.T) {
	srv := startServer(t, Deps{Version: "test"})
	base := "http://" + srv.Addr()

	ws := dial(t, srv)
	sendEnvelope(t, ws, envelope.Publish{ClientID: "A", Address: "/p", Args: []envelope.Arg{}})
	if _, ok := readUntil(t, ws, 2*time.Second, isState); !ok {
		t.Fatal("no state after publish")
	}

	t.Run("health", func(t *testing.T) {
		var body struct {
			Status  string `json:"status"`
			Version string `json:"version"`
			Relay   Stats  `json:"relay"`
		}
		getJSON(t, base+"/api/v1/health", http.StatusOK, &body)
		if body.Status != "ok" || body.Version != "test" {
			t.Errorf("health = %+v", body)
		}
		if body.Relay.ConnectedClients != 1 {
			t.Errorf("connected_clients = %d, want 1", body.Relay.ConnectedClients)
		}
	})

	t.Run("state", func(t *testing.T) {
		var body struct {
			Type    string              `json:"type"`
			Clients map[string][]string `json:"clients"`
		}
		getJSON(t, base+"/api/v1/state", http.StatusOK, &body)
		if body.Type != "state" || !reflect.DeepEqual(body.Clients, map[string][]string{"A": {"/p"}}) {
			t.Errorf("state = %+v", body)
		}
	})

	t.Run("sessions disabled", func(t *testing.T) {
		var body apiError
		getJSON(t, base+"/api/v1/sessions", http.StatusNotFound, &body)
		if body.Code != errCodeNotFound {
			t.Errorf("code = %q", body.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics error = %v", err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		for _, name := range []string{"netosc_connected_clients 1", "netosc_published_messages_total 1"} {
			if !strings.Contains(string(data), name) {
				t.Errorf("metrics missing %q", name)
			}
		}
	})
}

type stubCheck struct{ err error }

func (c stubCheck) HealthCheck(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("check ran without a deadline")
	}
	return c.err
}

func TestServer_HealthReportsAdapterChecks(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthChecker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no adapters",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{},
		},
		{
			name:       "all healthy",
			checks:     map[string]HealthChecker{"database": stubCheck{}, "mqtt": stubCheck{}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"database": "ok", "mqtt": "ok"},
		},
		{
			name: "one failing",
			checks: map[string]HealthChecker{
				"database": stubCheck{},
				"influxdb": stubCheck{err: errors.New("ping refused")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"database": "ok", "influxdb": "ping refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, Deps{Checks: tt.checks})
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			getJSON(t, "http://"+srv.Addr()+"/api/v1/health", tt.wantCode, &body)
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if !reflect.DeepEqual(body.Checks, tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
		})
	}
}

func TestCheckHealth_CombinesFailures(t *testing.T) {
	errA, errB := errors.New("a down"), errors.New("b down")
	results, err := CheckHealth(context.Background(), map[string]HealthChecker{
		"b":  stubCheck{err: errB},
		"a":  stubCheck{err: errA},
		"ok": stubCheck{},
	})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("CheckHealth() error = %v, want both failures", err)
	}
	if !strings.HasPrefix(err.Error(), "a: a down") {
		t.Errorf("error %q not in name order", err)
	}
	if results["ok"] != "ok" || results["a"] != "a down" {
		t.Errorf("results = %v", results)
	}
}

type stubSessions struct {
	mu     sync.Mutex
	filter journal.Filter
}

func (s *stubSessions) List(_ context.Context, f journal.Filter) (*journal.ListResult, error) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
	return &journal.ListResult{
		Sessions: []journal.Session{{ID: "ses-1", ClientID: "A", Topics: []string{"/*"}}},
		Total:    1,
		Limit:    f.Limit,
		Offset:   f.Offset,
	}, nil
}

func TestServer_Sessions(t *testing.T) {
	stub := &stubSessions{}
	srv := startServer(t, Deps{Sessions: stub})
	base := "http://" + srv.Addr()

	var body journal.ListResult
	getJSON(t, base+"/api/v1/sessions?client_id=A&active=true&limit=5", http.StatusOK, &body)
	if body.Total != 1 || len(body.Sessions) != 1 || body.Sessions[0].ClientID != "A" {
		t.Errorf("sessions = %+v", body)
	}
	want := journal.Filter{ClientID: "A", ActiveOnly: true, Limit: 5}
	stub.mu.Lock()
	got := stub.filter
	stub.mu.Unlock()
	if got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}

	var errBody apiError
	getJSON(t, base+"/api/v1/sessions?limit=-1", http.StatusBadRequest, &errBody)
}

func TestServer_StartFailsOnBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testBrokerConfig()
	cfg.Listen = ln.Addr().String()
	srv, err := New(Deps{Config: cfg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		srv.Close()
		t.Fatal("Start() on a bound port succeeded")
	}
}

func TestNew_RequiresListenAndPath(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.WebSocket.Path = ""
	if _, err := New(Deps{Config: cfg}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding %s: %v", url, err)
	}
}
