package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/bridge/config"
	"github.com/vango-go/voicebridge/pkg/bridge/session"
	"github.com/vango-go/voicebridge/pkg/bridge/ultravox"
)

func testConfig() config.Config {
	return config.Config{
		Host:          "127.0.0.1",
		Port:          0,
		APIKey:        "uv_test",
		PingInterval:  time.Minute,
		WriteTimeout:  2 * time.Second,
		StatsInterval: time.Minute,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAgent is an upstream mock: a WebSocket server that records
// received messages.
type fakeAgent struct {
	srv     *httptest.Server
	prompts chan string
	frames  chan []byte
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()

	a := &fakeAgent{
		prompts: make(chan string, 4),
		frames:  make(chan []byte, 64),
	}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case a.frames <- data:
			default:
			}
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) dialerFactory() func() session.UpstreamDialer {
	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http")
	return func() session.UpstreamDialer {
		return agentDialer{url: wsURL, prompts: a.prompts}
	}
}

type agentDialer struct {
	url     string
	prompts chan string
}

func (d agentDialer) Connect(ctx context.Context, systemPrompt string) (*websocket.Conn, error) {
	d.prompts <- systemPrompt
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	return conn, err
}

type failingDialer struct{ err error }

func (d failingDialer) Connect(ctx context.Context, systemPrompt string) (*websocket.Conn, error) {
	return nil, d.err
}

func startServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(testConfig(), discardLogger(), opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialClient(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]string
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func waitActiveSessions(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveSessions() != want {
		if time.Now().After(deadline) {
			t.Fatalf("active sessions=%d, want %d", s.ActiveSessions(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_HappyPath(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	s, ts := startServer(t, WithDialerFactory(agent.dialerFactory()))

	client := dialClient(t, ts, "?context=hello")

	msg := readJSON(t, client)
	if msg["type"] != "connected" {
		t.Fatalf("first message=%v, want connected", msg)
	}

	select {
	case prompt := <-agent.prompts:
		if prompt != "hello" {
			t.Fatalf("prompt=%q, want hello", prompt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("agent never saw the call")
	}
	waitActiveSessions(t, s, 1)

	// 40 ms of audio crosses the bridge widened.
	if err := client.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	select {
	case frame := <-agent.frames:
		if len(frame) != 3840 {
			t.Fatalf("agent frame is %d bytes, want 3840", len(frame))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("agent never received audio")
	}

	_ = client.Close()
	waitActiveSessions(t, s, 0)
}

func TestServer_MissingContextUsesDefaultPrompt(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	_, ts := startServer(t, WithDialerFactory(agent.dialerFactory()))

	client := dialClient(t, ts, "")
	if msg := readJSON(t, client); msg["type"] != "connected" {
		t.Fatalf("first message=%v, want connected", msg)
	}

	select {
	case prompt := <-agent.prompts:
		if prompt != config.DefaultSystemPrompt {
			t.Fatalf("prompt=%q, want default system prompt", prompt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("agent never saw the call")
	}
}

func TestServer_SampleRateParameterIsIgnored(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	_, ts := startServer(t, WithDialerFactory(agent.dialerFactory()))

	client := dialClient(t, ts, "?context=hi&sampleRate=16000")
	if msg := readJSON(t, client); msg["type"] != "connected" {
		t.Fatalf("first message=%v, want connected despite odd sampleRate", msg)
	}
}

func TestServer_UpstreamSetupFailureReachesClient(t *testing.T) {
	t.Parallel()

	s, ts := startServer(t, WithDialerFactory(func() session.UpstreamDialer {
		return failingDialer{err: fmt.Errorf("%w: status 504: gateway timeout", ultravox.ErrSetup)}
	}))

	client := dialClient(t, ts, "?context=hello")

	msg := readJSON(t, client)
	if msg["type"] != "error" {
		t.Fatalf("message=%v, want error", msg)
	}
	if msg["details"] == "" {
		t.Fatalf("error must carry details")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("socket stayed open after fatal error")
	}
	waitActiveSessions(t, s, 0)
}

func TestServer_PlainHTTPRequestIsRejected(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
}

func TestServer_MetricsExposed(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "voicebridge_") {
		t.Fatalf("metrics output does not contain bridge metrics")
	}
}

func TestServer_UnknownPathIs404(t *testing.T) {
	t.Parallel()

	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent(t)
	s, ts := startServer(t, WithDialerFactory(agent.dialerFactory()))

	client := dialClient(t, ts, "?context=hello")
	if msg := readJSON(t, client); msg["type"] != "connected" {
		t.Fatalf("first message=%v, want connected", msg)
	}
	waitActiveSessions(t, s, 1)

	s.Shutdown("test shutdown")
	waitActiveSessions(t, s, 0)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("client socket stayed open after shutdown")
	}
}
