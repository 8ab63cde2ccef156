package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/logger"
)

// Client is a JSON-over-TCP RPC client. Calls are serialised over one
// connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	reader  *bufio.Reader
	nextID  atomic.Int64
}

// Dial connects to an RPC server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		reader:  bufio.NewReaderSize(conn, 64<<10),
	}, nil
}

// Call invokes method with params and decodes the response data into
// result, which may be nil. The context's deadline bounds the round trip;
// a remote failure is returned as *Error. Call is safe for concurrent use.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling params: %w", err)
		}
		raw = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	req := Request{Method: method, ID: id, RequestID: logger.RequestID(ctx), Params: raw}
	if err := c.encoder.Encode(req); err != nil {
		return c.ioError(ctx, "sending request", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return c.ioError(ctx, "reading response", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.ID != id {
		return fmt.Errorf("response id %q does not match request %q", resp.ID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

// ioError closes the connection, since a half-read response leaves the
// stream unusable.
func (c *Client) ioError(ctx context.Context, what string, err error) error {
	_ = c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
