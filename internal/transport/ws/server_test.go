package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/gateway"
	"github.com/cwrk-planet/coderoom/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Gateway that remembers what it was asked to do.
type recorder struct {
	mu          sync.Mutex
	calls       []string
	disconnects int
	joinErr     error
}

func (g *recorder) add(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *recorder) snapshot() ([]string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...), g.disconnects
}

func (g *recorder) Join(_ context.Context, conn gateway.Conn, roomID, username string) (domain.Snapshot, error) {
	g.add("join:" + roomID + ":" + username)
	if g.joinErr != nil {
		return domain.Snapshot{}, g.joinErr
	}
	frame, err := protocol.Encode(protocol.TypeSnapshot, protocol.SnapshotPayload{RoomID: roomID, SocketID: conn.ID(), User: username})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{RoomID: roomID}, conn.Send(frame)
}

func (g *recorder) Leave(_, roomID string) { g.add("leave:" + roomID) }

func (g *recorder) Disconnect(string) {
	g.mu.Lock()
	g.disconnects++
	g.mu.Unlock()
}

func (g *recorder) ChangeCode(_ context.Context, _, roomID, code string) error {
	g.add("code:" + roomID + ":" + code)
	return nil
}

func (g *recorder) Typing(_ context.Context, _, roomID string) error {
	g.add("typing:" + roomID)
	return nil
}

func (g *recorder) StopTyping(_ context.Context, _, roomID string) error {
	g.add("stop-typing:" + roomID)
	return nil
}

func (g *recorder) SendMessage(_ context.Context, _, roomID string, msg domain.Message) error {
	g.add("message:" + roomID + ":" + msg.ID)
	return nil
}

func (g *recorder) Compile(_ context.Context, _, roomID string, req domain.ExecRequest, requestID string) (string, error) {
	g.add("compile:" + roomID + ":" + req.Language)
	return requestID, nil
}

func (g *recorder) Resync(_ context.Context, _, roomID string) error {
	g.add("sync:" + roomID)
	return domain.ErrNotMember
}

func serve(t *testing.T, gw Gateway, cfg Config) string {
	t.Helper()
	srv := NewServer(gw, cfg)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, ev protocol.ClientEvent, ref string) {
	t.Helper()
	frame, err := protocol.EncodeClient(ev, ref)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func read(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseServer(data)
	require.NoError(t, err)
	return env
}

func TestHandleWS_RoutesEvents(t *testing.T) {
	gw := &recorder{}
	c := dial(t, serve(t, gw, Config{}))

	send(t, c, protocol.Join{RoomID: "abc123", Username: "alice"}, "")
	assert.Equal(t, protocol.TypeSnapshot, read(t, c).Type)

	send(t, c, protocol.CodeChange{RoomID: "abc123", Code: "x"}, "")
	send(t, c, protocol.Typing{RoomID: "abc123"}, "")
	send(t, c, protocol.StopTyping{RoomID: "abc123"}, "")
	send(t, c, protocol.SendMessage{RoomID: "abc123", Message: protocol.Message{ID: "m1", Content: "hi"}}, "")
	send(t, c, protocol.Compile{RoomID: "abc123", Code: "1", Language: "go"}, "")
	send(t, c, protocol.Sync{RoomID: "abc123"}, "r-sync")

	env := read(t, c)
	assert.Equal(t, protocol.TypeError, env.Type, "resync failure is reported")
	assert.Equal(t, "r-sync", env.Ref)

	send(t, c, protocol.Leave{RoomID: "abc123"}, "")
	require.Eventually(t, func() bool {
		calls, _ := gw.snapshot()
		return len(calls) == 8
	}, time.Second, 5*time.Millisecond)

	calls, _ := gw.snapshot()
	assert.Equal(t, []string{
		"join:abc123:alice",
		"code:abc123:x",
		"typing:abc123",
		"stop-typing:abc123",
		"message:abc123:m1",
		"compile:abc123:go",
		"sync:abc123",
		"leave:abc123",
	}, calls)
}

func TestHandleWS_BadFramesGetErrors(t *testing.T) {
	gw := &recorder{}
	c := dial(t, serve(t, gw, Config{}))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"fly","payload":{},"ref":"r1"}`)))
	env := read(t, c)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "r1", env.Ref)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, protocol.TypeError, read(t, c).Type)

	calls, _ := gw.snapshot()
	assert.Empty(t, calls, "nothing reaches the gateway")
}

func TestHandleWS_JoinFailureIsReported(t *testing.T) {
	gw := &recorder{joinErr: domain.ErrMissingUsername}
	c := dial(t, serve(t, gw, Config{}))

	send(t, c, protocol.Join{RoomID: "abc123"}, "j1")
	env := read(t, c)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "j1", env.Ref)
	assert.Contains(t, string(env.Payload), domain.ErrMissingUsername.Error())
}

func TestHandleWS_DisconnectOnceOnClose(t *testing.T) {
	gw := &recorder{}
	c := dial(t, serve(t, gw, Config{}))
	send(t, c, protocol.Join{RoomID: "abc123", Username: "alice"}, "")
	read(t, c)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		_, n := gw.snapshot()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	_, n := gw.snapshot()
	assert.Equal(t, 1, n)
}

func TestHandleWS_RateLimitDropsFlooder(t *testing.T) {
	gw := &recorder{}
	c := dial(t, serve(t, gw, Config{EventsPerSecond: 1, Burst: 1, MaxViolations: 3}))

	for i := 0; i < 10; i++ {
		frame, err := protocol.EncodeClient(protocol.Typing{RoomID: "abc123"}, "")
		require.NoError(t, err)
		if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}

	env := read(t, c)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Contains(t, string(env.Payload), "rate limit")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		_, n := gw.snapshot()
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWsConn_SendNeverBlocks(t *testing.T) {
	c := newWsConn("s1", nil, 1)

	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), errSendBufferFull)
	assert.ErrorIs(t, c.Send([]byte("c")), errConnClosed, "a slow client is closed")
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(&recorder{}, Config{AllowedOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.checkOrigin(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, s.checkOrigin(req))
}
