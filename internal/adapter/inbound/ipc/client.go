package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// defaultTimeout bounds one command round trip.
const defaultTimeout = 10 * time.Second

// clientResponse mirrors the server's reply envelope with raw data.
type clientResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Send connects to the proxy socket under dir, issues one command, and
// returns the data payload. A failed command comes back as an error
// carrying the server's message.
func Send(dir, cmd string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	conn, err := net.DialTimeout("unix", SocketPath(dir), timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	req, err := json.Marshal(command{Cmd: cmd})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("send %q: %w", cmd, err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		return nil, fmt.Errorf("proxy closed the connection without replying")
	}

	var resp clientResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Data, nil
}
