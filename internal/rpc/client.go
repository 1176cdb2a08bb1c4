package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zhubert/conductor/internal/logger"
)

// notificationBuffer bounds the notification channel. Sends are non-blocking;
// a consumer that stops reading loses notifications, not the read loop.
const notificationBuffer = 100

// ErrClientClosed is returned by Call after the transport has gone away.
var ErrClientClosed = fmt.Errorf("rpc client closed")

// Client is a JSON-RPC 2.0 client over a line-oriented transport. One
// goroutine reads the transport and routes responses to pending calls;
// notifications fan out on a bounded channel.
type Client struct {
	w   io.Writer
	log interface {
		Debug(msg string, args ...any)
		Warn(msg string, args ...any)
	}

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	closed  bool
	readErr error

	notifications chan Notification
	done          chan struct{}
}

// NewClient starts a client reading from r and writing to w. The caller owns
// the underlying pipes; Close only tears down the client's bookkeeping.
func NewClient(r io.Reader, w io.Writer) *Client {
	c := &Client{
		w:             w,
		log:           logger.ComponentLogger("RPC"),
		pending:       make(map[int64]chan *Response),
		notifications: make(chan Notification, notificationBuffer),
		done:          make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Notifications returns the channel of server-initiated messages.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed when the read loop exits, whether by Close or transport
// failure.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Call sends a request and blocks until the matching response arrives, the
// context is canceled, or the transport dies.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		rawParams = data
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Request{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, fmt.Errorf("%s: transport: %w", method, err)
			}
			return nil, ErrClientClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("%s: transport: %w", method, err)
		}
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a request with no id; no response is expected.
func (c *Client) Notify(method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
		rawParams = data
	}
	return c.write(Request{JSONRPC: "2.0", Method: method, Params: rawParams})
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Close fails all pending calls and stops accepting new ones. The read loop
// exits once the underlying reader is closed by the caller.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPendingLocked(nil)
}

func (c *Client) failPendingLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	// Agent responses can carry large diffs in one line.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Debug("skipping unparseable line", "error", err)
			continue
		}

		if resp.IsNotification() {
			select {
			case c.notifications <- Notification{Method: resp.Method, Params: resp.Params}:
			default:
				c.log.Warn("notification channel full, dropping", "method", resp.Method)
			}
			continue
		}

		if resp.ID == nil {
			c.log.Debug("skipping message with no id and no method")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("response for unknown call", "id", *resp.ID)
			continue
		}
		ch <- &resp
	}

	err := scanner.Err()
	if err != nil {
		c.log.Warn("transport read failed", "error", err)
	}

	c.mu.Lock()
	c.failPendingLocked(err)
	c.mu.Unlock()
}
