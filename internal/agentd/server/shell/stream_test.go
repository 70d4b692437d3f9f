package shell

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialBridge serves one Bridge over an in-process websocket pair.
func dialBridge(t *testing.T, sess *Session) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		Bridge(conn, sess, newTestLogger())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var collected strings.Builder
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (collected %q)", err, collected.String())
		}
		if msg.Type == MessageTypeOutput {
			collected.WriteString(msg.Data)
			if strings.Contains(collected.String(), want) {
				return
			}
		}
	}
	t.Fatalf("never saw %q; collected %q", want, collected.String())
}

func TestBridgeHandshakeAndEcho(t *testing.T) {
	requirePTY(t)

	sess, err := NewSession(DefaultConfig(t.TempDir()), newTestLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = sess.Stop() }()

	conn := dialBridge(t, sess)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello StreamMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if hello.Type != MessageTypeConnected {
		t.Fatalf("first message type = %q", hello.Type)
	}

	if err := conn.WriteJSON(StreamMessage{Type: MessageTypeInput, Data: "echo bridge-probe-7\n"}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	readUntil(t, conn, "bridge-probe-7")
}

func TestBridgePong(t *testing.T) {
	requirePTY(t)

	sess, err := NewSession(DefaultConfig(t.TempDir()), newTestLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = sess.Stop() }()

	conn := dialBridge(t, sess)

	if err := conn.WriteJSON(StreamMessage{Type: MessageTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MessageTypePong {
			return
		}
	}
	t.Fatal("pong never arrived")
}

func TestBridgeReplaysScrollback(t *testing.T) {
	requirePTY(t)

	sess, err := NewSession(DefaultConfig(t.TempDir()), newTestLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = sess.Stop() }()

	// Produce output before any viewer connects.
	if _, err := sess.Write([]byte("echo early-bird-output\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor := time.After(5 * time.Second)
	for {
		if strings.Contains(string(sess.Scrollback()), "early-bird-output") {
			break
		}
		select {
		case <-waitFor:
			t.Fatal("scrollback never captured output")
		case <-time.After(20 * time.Millisecond):
		}
	}

	conn := dialBridge(t, sess)
	readUntil(t, conn, "early-bird-output")
}
