// Package ctlsocket implements the operator-facing control channel: a
// Unix-domain stream socket accepting exactly one URL-escaped,
// newline-terminated JSON request per connection and replying with one
// framed JSON response, then closing. Grounded on
// internal/server/server.go's request/response envelope and accept-loop
// structuring, translated from chi's HTTP router to a manual
// net.Listen("unix", ...) accept loop since the wire format here is a raw
// stream socket, not HTTP.
package ctlsocket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/me/autotrail/pkg/api"
)

// Server accepts control-channel connections and forwards each decoded
// request onto Calls, then writes back whatever Reply arrives on the
// call's per-request channel.
type Server struct {
	path          string
	acceptTimeout time.Duration
	logger        *slog.Logger

	ln    *net.UnixListener
	calls chan api.Call

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Server bound to path (removing any stale socket file
// first) that forwards decoded calls onto calls — the same channel the
// evaluator's APIServerTick pipeline stage reads from.
func New(path string, acceptTimeout time.Duration, calls chan api.Call, logger *slog.Logger) (*Server, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctlsocket: resolve %q: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ctlsocket: listen %q: %w", path, err)
	}
	return &Server{
		path:          path,
		acceptTimeout: acceptTimeout,
		logger:        logger.With("component", "ctlsocket", "path", path),
		ln:            ln,
		calls:         calls,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Serve accepts connections until Stop is called, handling each on its
// own goroutine. A short per-Accept deadline lets the loop notice Stop
// promptly without needing a second listener-close signal.
func (s *Server) Serve() {
	defer close(s.doneCh)
	s.logger.Info("control socket listening")
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_ = s.ln.SetDeadline(time.Now().Add(s.acceptTimeout))
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("accept", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Stop closes the listener and blocks until Serve has returned. Safe to
// call more than once, matching evaluator.Evaluator.Stop's idiom.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.ln.Close()
	})
	<-s.doneCh
	_ = os.Remove(s.path)
}

// IsAlive reports whether Serve has not returned.
func (s *Server) IsAlive() bool {
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		s.logger.Warn("read request", "error", err)
		return
	}

	req, err := decodeFrame(line)
	if err != nil {
		writeFrame(conn, api.Reply{Error: "malformed request: " + err.Error()}, s.logger)
		return
	}

	replyCh := make(chan api.Reply, 1)
	s.calls <- api.Call{Req: req, Reply: replyCh}
	reply := <-replyCh

	writeFrame(conn, reply, s.logger)
}

// decodeFrame reverses the encoding done in Client.Call: URL-unescape then JSON-decode.
func decodeFrame(line string) (api.Request, error) {
	var req api.Request
	unescaped, err := url.QueryUnescape(trimNewline(line))
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal([]byte(unescaped), &req); err != nil {
		return req, err
	}
	return req, nil
}

func writeFrame(conn net.Conn, reply api.Reply, logger *slog.Logger) {
	data, err := json.Marshal(reply)
	if err != nil {
		logger.Error("encode reply", "error", err)
		return
	}
	frame := url.QueryEscape(string(data)) + "\n"
	if _, err := conn.Write([]byte(frame)); err != nil {
		logger.Warn("write reply", "error", err)
	}
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}
