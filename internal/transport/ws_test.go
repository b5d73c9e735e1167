package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Shin0205go/mcp-tool-builder/internal/broker"
	"github.com/Shin0205go/mcp-tool-builder/internal/embed"
	"github.com/Shin0205go/mcp-tool-builder/internal/executor"
	"github.com/Shin0205go/mcp-tool-builder/internal/protocol"
)

const testOrigin = "https://app.example.com"

type uiExecutor struct{}

func (uiExecutor) Execute(_ context.Context, tool string, _ map[string]any, _ executor.CallContext) (any, error) {
	switch tool {
	case "dashboard":
		return map[string]any{
			"uri": "ui://dashboard",
			"content": map[string]any{
				"type":       "rawHtml",
				"htmlString": "<html><body>dash</body></html>",
			},
			"needs":      []any{map[string]any{"tool": "listCustomers"}},
			"allowTools": []any{"listCustomers"},
		}, nil
	case "listCustomers":
		return []any{"cust-1"}, nil
	default:
		return nil, executor.ErrUnknownTool
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(logger)
	orch, err := embed.NewOrchestrator(uiExecutor{}, hub, embed.Options{
		Broker: broker.Config{
			TrustedOrigin:      testOrigin,
			MaxConcurrentJobs:  2,
			RequestTimeout:     time.Second,
			IdempotencyEnabled: true,
		},
		NeedTimeout:  time.Second,
		ReadyTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	api := NewAPI(orch, hub, testOrigin, logger)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, hub
}

func createSession(t *testing.T, srv *httptest.Server) createSessionResponse {
	t.Helper()
	body, _ := json.Marshal(createSessionRequest{Tool: "dashboard"})
	resp, err := http.Post(srv.URL+"/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func dialSession(t *testing.T, srv *httptest.Server, wsPath, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + wsPath
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv)

	// The rendered content is served before any socket attaches.
	resp, err := http.Get(srv.URL + sess.UIPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("serve ui: status %d", resp.StatusCode)
	}
	if csp := resp.Header.Get("Content-Security-Policy"); csp == "" {
		t.Fatal("ui page must carry a content security policy")
	}

	conn := dialSession(t, srv, sess.WSPath, testOrigin)

	// First frame is the bootstrap with the resolved needs.
	boot := readMessage(t, conn)
	if boot.Type != protocol.TypeBootstrap {
		t.Fatalf("first frame = %q, want bootstrap", boot.Type)
	}
	if boot.Data["listCustomers"] == nil {
		t.Fatalf("bootstrap data = %v", boot.Data)
	}

	// An allowlisted invoke from the trusted origin gets a result.
	err = conn.WriteJSON(protocol.Message{
		Type:      protocol.TypeToolInvoke,
		RequestID: "r1",
		Tool:      "listCustomers",
	})
	if err != nil {
		t.Fatal(err)
	}
	reply := readMessage(t, conn)
	if reply.Type != protocol.TypeToolResult || reply.RequestID != "r1" {
		t.Fatalf("reply = %+v", reply)
	}

	// A tool outside the spec's allowlist is refused with the allowed
	// set disclosed.
	err = conn.WriteJSON(protocol.Message{
		Type:      protocol.TypeToolInvoke,
		RequestID: "r2",
		Tool:      "dropTables",
	})
	if err != nil {
		t.Fatal(err)
	}
	denial := readMessage(t, conn)
	if denial.Type != protocol.TypeToolError || denial.Error.Code != protocol.CodeToolNotAllowed {
		t.Fatalf("denial = %+v", denial)
	}
}

func TestUntrustedOriginGetsSilence(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv)

	conn := dialSession(t, srv, sess.WSPath, "https://evil.example.com")

	// The upgrade succeeds and the bootstrap still flows out; only
	// inbound traffic is judged.
	boot := readMessage(t, conn)
	if boot.Type != protocol.TypeBootstrap {
		t.Fatalf("first frame = %q, want bootstrap", boot.Type)
	}

	err := conn.WriteJSON(protocol.Message{
		Type:      protocol.TypeToolInvoke,
		RequestID: "r1",
		Tool:      "listCustomers",
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected silence for untrusted origin, got %+v", msg)
	}
}

func TestDeleteSessionTearsDown(t *testing.T) {
	srv, hub := newTestServer(t)
	sess := createSession(t, srv)
	conn := dialSession(t, srv, sess.WSPath, testOrigin)
	_ = readMessage(t, conn) // bootstrap

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+sess.SessionID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	if hub.Session(sess.SessionID) != nil {
		t.Fatal("session must leave the hub on delete")
	}

	// The server side closed the connection; reads fail promptly.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected closed connection after delete")
	}
}

func TestUnknownSessionRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/sessions/nope/ui")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown ui: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown delete: status %d", resp.StatusCode)
	}
}

func TestSecondAttachRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv)

	first := dialSession(t, srv, sess.WSPath, testOrigin)
	_ = readMessage(t, first) // bootstrap, proves first attach won

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + sess.WSPath
	header := http.Header{}
	header.Set("Origin", testOrigin)
	second, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		// Upgrade may fail outright once the attach is refused.
		return
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("second attach must not receive traffic")
	}
}
