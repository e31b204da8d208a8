package ipc

import (
	"fmt"
	"net"
	"time"
)

// Client dials the daemon socket once per command. It is stateless and safe
// for sequential reuse.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand encodes params and performs one request/response exchange.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.exchange(req)
}

// Call is SendCommand with the daemon-side error surfaced as a Go error, so
// CLI call sites can treat the response as success-or-err.
func (c *Client) Call(command string, params any) (*Response, error) {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return resp, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, fmt.Errorf("command %s failed", command)
	}
	return resp, nil
}

func (c *Client) exchange(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: flowline daemon",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
