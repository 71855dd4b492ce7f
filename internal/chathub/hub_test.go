package chathub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeDeps struct {
	appended []string
}

func (f *fakeDeps) AppendLocalChat(nodeID, content string) (chatdoc.Message, error) {
	f.appended = append(f.appended, content)
	return chatdoc.Message{ID: "m", NodeID: nodeID, Content: content, Timestamp: 1}, nil
}

func (f *fakeDeps) TrustedConnectablePeers() []trust.Record { return nil }
func (f *fakeDeps) PeerClient(trust.Record) *rpc.Client      { return nil }
func (f *fakeDeps) SelfNodeID() string                       { return "self" }

func (f *fakeDeps) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket)
	return httptest.NewServer(r)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestNoAuthTokenAllowsImmediateConnect(t *testing.T) {
	hub := New(&fakeDeps{}, Config{})
	srv := newTestServer(t, hub)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWrongAuthTokenClosesWithUnauthenticatedCode(t *testing.T) {
	hub := New(&fakeDeps{}, Config{AuthToken: "secret", AuthTimeout: 500 * time.Millisecond})
	srv := newTestServer(t, hub)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "wrong"}))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a websocket close error, got %T: %v", err, err)
	require.Equal(t, closeUnauthenticated, closeErr.Code)
}

func TestCorrectAuthTokenThenBroadcastDelivers(t *testing.T) {
	hub := New(&fakeDeps{}, Config{AuthToken: "secret", AuthTimeout: 500 * time.Millisecond})
	srv := newTestServer(t, hub)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "secret"}))
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(chatdoc.Message{ID: "hello", Content: "hi there"})

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out outboundMsg
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "chat", out.Type)
	require.Equal(t, "hi there", out.Message.Content)
}

func TestInboundChatMessageIsAppendedAndBroadcast(t *testing.T) {
	deps := &fakeDeps{}
	hub := New(deps, Config{})
	srv := newTestServer(t, hub)
	defer srv.Close()

	listener := dialWS(t, srv)
	defer listener.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	sender := dialWS(t, srv)
	defer sender.Close()
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sender.WriteJSON(map[string]string{"type": "chat", "content": "ping from client"}))

	_, data, err := listener.ReadMessage()
	require.NoError(t, err)
	var out outboundMsg
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "ping from client", out.Message.Content)
	require.Contains(t, deps.appended, "ping from client")
}
