package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers requests read from in by invoking handle per request.
type fakeServer struct {
	in     *io.PipeReader
	out    *io.PipeWriter
	client *Client
}

func newFakeServer(t *testing.T, handle func(req Request) *Response) *fakeServer {
	t.Helper()

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	srv := &fakeServer{in: serverIn, out: serverOut}
	srv.client = NewClient(clientIn, clientOut)

	go func() {
		scanner := bufio.NewScanner(serverIn)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if resp := handle(req); resp != nil {
				data, _ := json.Marshal(resp)
				if _, err := serverOut.Write(append(data, '\n')); err != nil {
					return
				}
			}
		}
	}()

	t.Cleanup(func() {
		srv.client.Close()
		_ = serverOut.Close()
		_ = clientIn.Close()
	})
	return srv
}

func TestCall_RoundTrip(t *testing.T) {
	srv := newFakeServer(t, func(req Request) *Response {
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "thread.new", req.Method)
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"threadId":"t-1"}`)}
	})

	result, err := srv.client.Call(context.Background(), "thread.new", map[string]string{"folder": "/tmp"})

	require.NoError(t, err)
	var parsed struct {
		ThreadID string `json:"threadId"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, "t-1", parsed.ThreadID)
}

func TestCall_ErrorResponse(t *testing.T) {
	srv := newFakeServer(t, func(req Request) *Response {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: -32601, Message: "method not found"}}
	})

	_, err := srv.client.Call(context.Background(), "nope", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestCall_ContextCanceled(t *testing.T) {
	srv := newFakeServer(t, func(req Request) *Response {
		return nil // never answers
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := srv.client.Call(ctx, "turn.run", nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifications_Routed(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req Request) *Response {
		// Emit a notification before the reply.
		data, _ := json.Marshal(Response{JSONRPC: "2.0", Method: "turn.delta", Params: json.RawMessage(`{"text":"hi"}`)})
		_, _ = srv.out.Write(append(data, '\n'))
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	})

	_, err := srv.client.Call(context.Background(), "turn.run", nil)
	require.NoError(t, err)

	select {
	case n := <-srv.client.Notifications():
		assert.Equal(t, "turn.delta", n.Method)
		assert.JSONEq(t, `{"text":"hi"}`, string(n.Params))
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCall_TransportClosed(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	_, clientOut := io.Pipe()
	client := NewClient(clientIn, clientOut)

	// Server side goes away before answering.
	require.NoError(t, serverOut.Close())

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit")
	}

	_, err := client.Call(context.Background(), "turn.run", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNotify_NoID(t *testing.T) {
	got := make(chan Request, 1)
	srv := newFakeServer(t, func(req Request) *Response {
		got <- req
		return nil
	})

	require.NoError(t, srv.client.Notify("turn.cancel", map[string]string{"threadId": "t-1"}))

	select {
	case req := <-got:
		assert.Nil(t, req.ID)
		assert.Equal(t, "turn.cancel", req.Method)
	case <-time.After(time.Second):
		t.Fatal("notification not received by server")
	}
}
