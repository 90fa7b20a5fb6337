package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrownet/burrow/internal/frame"
	"github.com/burrownet/burrow/internal/rpc"
)

// openGateway binds a gateway on an ephemeral port and tears it down with
// the test.
func openGateway(t *testing.T) *Gateway {
	t.Helper()
	g := New(0)
	token, err := g.Open()
	require.NoError(t, err)
	require.Len(t, token, 48)
	require.NotZero(t, g.Port())
	t.Cleanup(g.Close)
	return g
}

// nextFrame waits for one outgoing frame.
func nextFrame(t *testing.T, g *Gateway) *frame.Frame {
	t.Helper()
	select {
	case f := <-g.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway frame")
		return nil
	}
}

func TestGatewayRPCRoundTrip(t *testing.T) {
	g := openGateway(t)

	request := []byte("call: ping")
	response := []byte("reply: pong")

	type result struct {
		status int
		body   []byte
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", g.Port()),
			"application/octet-stream", bytes.NewReader(request))
		if err != nil {
			got <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		got <- result{status: resp.StatusCode, body: body}
	}()

	f := nextFrame(t, g)
	require.Equal(t, frame.TypeRPC, f.Type)
	assert.Equal(t, request, f.Payload)

	env, err := rpc.FromBytes(response)
	require.NoError(t, err)
	require.NoError(t, g.Respond(env))

	select {
	case r := <-got:
		assert.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, response, r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rpc response")
	}
}

// TestGatewayRPCOrdering verifies responses pair with requests oldest-first.
func TestGatewayRPCOrdering(t *testing.T) {
	g := openGateway(t)
	uri := fmt.Sprintf("http://127.0.0.1:%d/", g.Port())

	first := make(chan []byte, 1)
	go func() {
		resp, err := http.Post(uri, "application/octet-stream", bytes.NewReader([]byte("req-1")))
		if err != nil {
			first <- nil
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		first <- body
	}()
	require.Equal(t, []byte("req-1"), nextFrame(t, g).Payload)

	second := make(chan []byte, 1)
	go func() {
		resp, err := http.Post(uri, "application/octet-stream", bytes.NewReader([]byte("req-2")))
		if err != nil {
			second <- nil
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		second <- body
	}()
	require.Equal(t, []byte("req-2"), nextFrame(t, g).Payload)

	envA, _ := rpc.FromBytes([]byte("resp-1"))
	envB, _ := rpc.FromBytes([]byte("resp-2"))
	require.NoError(t, g.Respond(envA))
	require.NoError(t, g.Respond(envB))

	select {
	case body := <-first:
		assert.Equal(t, []byte("resp-1"), body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first response")
	}
	select {
	case body := <-second:
		assert.Equal(t, []byte("resp-2"), body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second response")
	}
}

func TestGatewayRespondWithoutRequest(t *testing.T) {
	g := openGateway(t)

	env, _ := rpc.FromBytes([]byte("orphan"))
	assert.Error(t, g.Respond(env))
}

func TestGatewayChannelLifecycle(t *testing.T) {
	g := openGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", g.Port()), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Peer → tunnel: each message becomes a datachannel frame with one quid.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	f1 := nextFrame(t, g)
	require.Equal(t, frame.TypeDataChannel, f1.Type)
	require.NotEmpty(t, f1.Quid)
	assert.False(t, f1.Binary)
	assert.Equal(t, []byte("hello"), f1.Payload)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	f2 := nextFrame(t, g)
	assert.Equal(t, f1.Quid, f2.Quid)
	assert.True(t, f2.Binary)

	// Tunnel → peer.
	require.NoError(t, g.Transfer(f1.Quid, true, []byte{9, 9}))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{9, 9}, data)

	// Peer disconnect ends the quid with a terminal frame.
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")))
	term := nextFrame(t, g)
	require.Equal(t, frame.TypeDataChannel, term.Type)
	assert.Equal(t, f1.Quid, term.Quid)
	assert.False(t, term.Binary)

	status, err := frame.ParseTerminal(term.Payload)
	require.NoError(t, err)
	assert.Equal(t, websocket.CloseNormalClosure, status.Code)

	// The mapping is gone with the session.
	assert.ErrorIs(t, g.Transfer(f1.Quid, false, []byte("late")), ErrUnknownQuid)
}

func TestGatewayDistinctQuids(t *testing.T) {
	g := openGateway(t)
	uri := fmt.Sprintf("ws://127.0.0.1:%d/", g.Port())

	a, _, err := websocket.DefaultDialer.Dial(uri, nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(uri, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("from a")))
	fa := nextFrame(t, g)
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("from b")))
	fb := nextFrame(t, g)

	assert.NotEqual(t, fa.Quid, fb.Quid)

	// Transfers route by quid, not arrival order.
	require.NoError(t, g.Transfer(fb.Quid, false, []byte("to b")))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("to b"), data)
}

func TestGatewayTransferUnknownQuid(t *testing.T) {
	g := openGateway(t)
	assert.ErrorIs(t, g.Transfer("no-such-quid", false, nil), ErrUnknownQuid)
}

func TestGatewayMethodNotAllowed(t *testing.T) {
	g := openGateway(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", g.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGatewayClose(t *testing.T) {
	g := New(0)
	_, err := g.Open()
	require.NoError(t, err)

	closed := make(chan struct{})
	g.OnClose(func() { close(closed) })

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", g.Port()), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Register the channel before closing.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	f := nextFrame(t, g)

	g.Close()
	g.Close() // idempotent

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}

	// Peer sees the socket die; no terminal frame follows a full teardown.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case extra := <-g.Frames():
		if extra.Quid == f.Quid {
			if status, perr := frame.ParseTerminal(extra.Payload); perr == nil {
				t.Fatalf("unexpected terminal frame after Close: %+v", status)
			}
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewayOpenPortInUse(t *testing.T) {
	g := openGateway(t)

	other := New(g.Port())
	_, err := other.Open()
	assert.ErrorIs(t, err, ErrBindFailed)
}
