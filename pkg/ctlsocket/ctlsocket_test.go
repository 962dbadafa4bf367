package ctlsocket

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/autotrail/pkg/api"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestServeRoundTripsOneRequestPerConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autotrail.sock")
	calls := make(chan api.Call, 1)

	srv, err := New(path, 50*time.Millisecond, calls, testLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go srv.Serve()
	defer srv.Stop()

	go func() {
		call := <-calls
		call.Reply <- api.Reply{Name: call.Req.Name, Result: "ok"}
	}()

	client := NewClient(path, time.Second)
	reply, err := client.Call(api.Request{Name: "status"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Name != "status" || reply.Result != "ok" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestServeRejectsMalformedFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autotrail.sock")
	calls := make(chan api.Call, 1)

	srv, err := New(path, 50*time.Millisecond, calls, testLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go srv.Serve()
	defer srv.Stop()

	_, err = decodeFrame("not json at all\n")
	if err == nil {
		t.Fatalf("expected decode error for malformed frame")
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	unescaped, err := url.QueryUnescape(trimNewline(line))
	if err != nil {
		t.Fatalf("unescape reply: %v", err)
	}
	var reply api.Reply
	if err := json.Unmarshal([]byte(unescaped), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !strings.HasPrefix(reply.Error, "malformed request") {
		t.Fatalf("expected malformed request error, got %+v", reply)
	}
}
