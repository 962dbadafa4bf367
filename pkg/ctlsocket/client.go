package ctlsocket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/me/autotrail/pkg/api"
)

// Client issues one request per connection against a control socket,
// matching the server's "exactly one request and one response per
// connection" contract.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a Client dialing path, with timeout applied to both
// the dial and the round trip.
func NewClient(path string, timeout time.Duration) *Client {
	return &Client{path: path, timeout: timeout}
}

// Call sends req and returns the decoded Reply.
func (c *Client) Call(req api.Request) (api.Reply, error) {
	var reply api.Reply

	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return reply, fmt.Errorf("ctlsocket: dial: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("ctlsocket: encode request: %w", err)
	}
	frame := url.QueryEscape(string(data)) + "\n"
	if _, err := conn.Write([]byte(frame)); err != nil {
		return reply, fmt.Errorf("ctlsocket: write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return reply, fmt.Errorf("ctlsocket: read reply: %w", err)
	}
	unescaped, err := url.QueryUnescape(trimNewline(line))
	if err != nil {
		return reply, fmt.Errorf("ctlsocket: decode reply: %w", err)
	}
	if err := json.Unmarshal([]byte(unescaped), &reply); err != nil {
		return reply, fmt.Errorf("ctlsocket: unmarshal reply: %w", err)
	}
	return reply, nil
}
