// Package chathub fans chat messages out to every connected browser/CLI
// WebSocket client and pushes new messages on to trusted peers over
// PeerRPC. Its connection lifecycle and write-serialization pattern are
// grounded on the gorilla/websocket transport used elsewhere in the
// examples pack: one read goroutine, one write goroutine per connection,
// writes funneled through a per-connection channel so concurrent
// broadcasts never interleave frames on the wire.
package chathub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
)

// State is a subscriber's position in the connected → authenticated →
// active → disconnected lifecycle.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

// closeUnauthenticated is the custom WebSocket close code sent to a client
// that never completes the auth handshake within authTimeout.
const closeUnauthenticated = 4001

// Config controls connection limits and the chat auth token (spec §4.8;
// the token is a shared secret configured by the operator, independent of
// node identity — a browser client has no secp256k1 keypair).
type Config struct {
	AuthToken      string
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

func (c *Config) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Deps is what Hub needs from the Core composition root to turn an
// inbound client message into a persisted, mesh-wide chat message.
type Deps interface {
	AppendLocalChat(nodeID, content string) (chatdoc.Message, error)
	TrustedConnectablePeers() []trust.Record
	PeerClient(rec trust.Record) *rpc.Client
	SelfNodeID() string
	Logger() *logrus.Logger
}

// Hub owns the set of live WebSocket subscribers.
type Hub struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New creates a Hub. Call HandleWebSocket as the gin handler for /ws.
func New(deps Deps, cfg Config) *Hub {
	cfg.setDefaults()
	return &Hub{
		deps: deps,
		cfg:  cfg,
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type authMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type outboundMsg struct {
	Type    string          `json:"type"`
	Message chatdoc.Message `json:"message,omitempty"`
}

type inboundChatMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	mu    sync.Mutex
	state State
}

// HandleWebSocket upgrades r and runs the subscriber's lifecycle until it
// disconnects. Mount at GET /ws.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, 32), hub: h, state: StateConnected}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	if !h.authenticate(sub) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthenticated, "authentication required"),
			time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return
	}

	h.add(sub)
	defer h.remove(sub)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.writePump(sub) }()
	go func() { defer wg.Done(); h.readPump(sub) }()
	wg.Wait()
}

// authenticate waits up to AuthTimeout for {"type":"auth","token":"..."}. An
// empty configured token means auth is disabled (single-operator/dev mode).
func (h *Hub) authenticate(sub *subscriber) bool {
	if h.cfg.AuthToken == "" {
		sub.state = StateAuthenticated
		return true
	}

	sub.conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, data, err := sub.conn.ReadMessage()
	sub.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return false
	}

	var msg authMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
		return false
	}
	if msg.Token != h.cfg.AuthToken {
		return false
	}
	sub.state = StateAuthenticated
	return true
}

func (h *Hub) add(sub *subscriber) {
	sub.state = StateActive
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	h.mu.Unlock()
	sub.state = StateDisconnected
	sub.conn.Close()
}

func (h *Hub) readPump(sub *subscriber) {
	defer sub.conn.Close()
	sub.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	log := h.deps.Logger()
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}

		var in inboundChatMsg
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "chat" {
			continue
		}

		msg, err := h.deps.AppendLocalChat(h.deps.SelfNodeID(), in.Content)
		if err != nil {
			log.WithError(err).Warn("chathub: failed to append local chat message")
			continue
		}
		h.Broadcast(msg)
		h.PushToPeers(context.Background(), msg)
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer sub.conn.Close()

	for {
		select {
		case data, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast fans msg out to every active subscriber. A subscriber whose
// send buffer is full is dropped rather than blocking the broadcaster —
// a slow client loses messages, it never stalls the mesh.
func (h *Hub) Broadcast(msg chatdoc.Message) {
	h.BroadcastMany([]chatdoc.Message{msg})
}

// BroadcastMany sends a batch of messages, preserving order per subscriber.
func (h *Hub) BroadcastMany(msgs []chatdoc.Message) {
	if len(msgs) == 0 {
		return
	}
	encoded := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(outboundMsg{Type: "chat", Message: m})
		if err != nil {
			continue
		}
		encoded = append(encoded, b)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		for _, b := range encoded {
			select {
			case sub.send <- b:
			default:
				h.deps.Logger().WithField("subscriber", sub.conn.RemoteAddr()).
					Warn("chathub: dropping message, subscriber send buffer full")
			}
		}
	}
}

// PushToPeers fire-and-forgets msg to every trusted connectable peer via
// PeerRPC's chat-push endpoint, retrying each with exponential backoff —
// adapted from the teacher's replicateWithRetryAndResponse. A peer that
// never accepts the push simply catches up on its next sync round, so
// retries here are an optimization, not a correctness requirement.
func (h *Hub) PushToPeers(ctx context.Context, msg chatdoc.Message) {
	log := h.deps.Logger()
	peers := h.deps.TrustedConnectablePeers()
	for _, peer := range peers {
		go func(p trust.Record) {
			client := h.deps.PeerClient(p)
			backoff := 200 * time.Millisecond
			for attempt := 0; attempt < 3; attempt++ {
				pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := client.ChatPush(pctx, rpc.ChatPushRequest{NodeID: h.deps.SelfNodeID(), Message: msg})
				cancel()
				if err == nil {
					return
				}
				log.WithError(err).WithField("peer", p.NodeID).WithField("attempt", attempt).
					Debug("chathub: chat push failed, backing off")
				time.Sleep(backoff)
				backoff *= 2
			}
		}(peer)
	}
}

// Count returns the number of currently active subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
