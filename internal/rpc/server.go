package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
)

// Dependencies is everything the PeerRPC server needs from the Core
// composition root. Keeping it as an interface (rather than importing
// internal/core directly) avoids a core ⇄ rpc import cycle: core wires an
// rpc.Server with itself as the Dependencies implementation.
type Dependencies interface {
	SelfHandshake() HandshakeResponse
	// LookupPublicKey returns the known public key and trust status for
	// nodeID, used both by signature verification and by join-status.
	LookupPublicKey(nodeID string) (publicKeyHex string, status identity.TrustStatus, ok bool)

	HandleJoinRequest(ctx context.Context, req JoinRequest) (JoinResponse, error)
	HandleJoinStatus(ctx context.Context, nodeID, publicKeyHex string) (JoinResponse, error)
	HandleSync(ctx context.Context, req SyncRequest) (SyncResponse, error)
	HandleHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	HandleChatPush(ctx context.Context, msg chatdoc.Message) error
	TriggerSync(ctx context.Context) (TriggerSyncSummary, error)

	// AdminCredentials returns the basic-auth pair guarding /admin/*. An
	// empty user disables the admin surface entirely (404s).
	AdminCredentials() (user, password string)
	ListNodes() trust.Document
	AdminApprove(nodeID string) error
	AdminReject(nodeID string) error
	AdminKick(nodeID string) error
}

// Server mounts PeerRPC's routes on a gin.Engine.
type Server struct {
	deps Dependencies
	log  *logrus.Logger
}

// NewServer creates a Server backed by deps.
func NewServer(deps Dependencies, log *logrus.Logger) *Server {
	return &Server{deps: deps, log: log}
}

// Register mounts every /peer/* route and, when AdminCredentials returns a
// non-empty user, the basic-auth /admin/* routes. It does not mount /ws;
// the caller registers the chat hub's handler separately since the hub
// owns the upgrade. Signed endpoints run verifySignature; the four
// bootstrap endpoints (handshake, join-request, join-status, trigger-sync)
// do not.
func (s *Server) Register(r *gin.Engine) {
	peer := r.Group("/peer")

	peer.GET("/handshake", s.handleHandshake)
	peer.POST("/join-request", s.handleJoinRequest)
	peer.GET("/join-status", s.handleJoinStatus)
	peer.POST("/trigger-sync", s.handleTriggerSync)

	signed := peer.Group("")
	signed.Use(s.verifySignature())
	signed.POST("/sync", s.handleSync)
	signed.POST("/heartbeat", s.handleHeartbeat)
	signed.POST("/chat-push", s.handleChatPush)

	if user, password := s.deps.AdminCredentials(); user != "" {
		admin := r.Group("/admin")
		admin.Use(gin.BasicAuth(gin.Accounts{user: password}))
		admin.GET("/nodes", s.handleListNodes)
		admin.POST("/approve", s.handleAdminAction(s.deps.AdminApprove))
		admin.POST("/reject", s.handleAdminAction(s.deps.AdminReject))
		admin.POST("/kick", s.handleAdminAction(s.deps.AdminKick))
	}
}

// ─── signature verification middleware ──────────────────────────────────

const ctxRawBodyKey = "rpc.rawBody"

// verifySignature reads the raw body once (so the hash check and the
// later JSON decode see identical bytes — spec §9), verifies the
// X-Node-* headers against the claimed sender's known public key, and
// rejects senders that are not trusted or self.
func (s *Server) verifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.forbidden(c, "unreadable body")
			return
		}
		c.Set(ctxRawBodyKey, body)

		headers := identity.Headers{
			NodeID:    c.GetHeader("X-Node-Id"),
			Timestamp: c.GetHeader("X-Node-Ts"),
			BodyHash:  c.GetHeader("X-Body-Hash"),
			Signature: c.GetHeader("X-Node-Sig"),
		}
		if headers.NodeID == "" || headers.Timestamp == "" || headers.BodyHash == "" || headers.Signature == "" {
			s.forbidden(c, "missing signature headers")
			return
		}

		pubKeyHex, status, ok := s.deps.LookupPublicKey(headers.NodeID)
		if !ok {
			s.forbidden(c, "unknown sender")
			return
		}
		if status == identity.TrustKicked || status == identity.TrustPending || status == identity.TrustWaitingApproval {
			s.forbidden(c, "sender is not trusted")
			return
		}

		if err := identity.Verify(headers, body, pubKeyHex); err != nil {
			s.log.WithError(err).WithField("node_id", headers.NodeID).Warn("peer rpc: signature rejected")
			s.forbidden(c, "signature verification failed")
			return
		}

		c.Next()
	}
}

func (s *Server) forbidden(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusForbidden, ErrorBody{Error: reason})
}

func rawBody(c *gin.Context) []byte {
	v, _ := c.Get(ctxRawBodyKey)
	b, _ := v.([]byte)
	return b
}

// ─── unsigned bootstrap handlers ─────────────────────────────────────────

func (s *Server) handleHandshake(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.SelfHandshake())
}

func (s *Server) handleJoinRequest(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	resp, err := s.deps.HandleJoinRequest(c.Request.Context(), req)
	if err != nil {
		s.log.WithError(err).Warn("peer rpc: join-request failed")
		c.JSON(http.StatusForbidden, ErrorBody{Error: err.Error()})
		return
	}
	status := http.StatusOK
	if resp.Status == "kicked" {
		status = http.StatusForbidden
	}
	c.JSON(status, resp)
}

func (s *Server) handleJoinStatus(c *gin.Context) {
	nodeID := c.Query("node_id")
	publicKey := c.Query("public_key")
	resp, err := s.deps.HandleJoinStatus(c.Request.Context(), nodeID, publicKey)
	if err != nil {
		c.JSON(http.StatusForbidden, ErrorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	summary, err := s.deps.TriggerSync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ─── signed handlers ──────────────────────────────────────────────────────

func (s *Server) handleSync(c *gin.Context) {
	var req SyncRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if req.NodeID != c.GetHeader("X-Node-Id") {
		c.JSON(http.StatusForbidden, ErrorBody{Error: "body node_id does not match signature"})
		return
	}
	resp, err := s.deps.HandleSync(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if req.NodeID != c.GetHeader("X-Node-Id") {
		c.JSON(http.StatusForbidden, ErrorBody{Error: "body node_id does not match signature"})
		return
	}
	resp, err := s.deps.HandleHeartbeat(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatPush(c *gin.Context) {
	var req ChatPushRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := s.deps.HandleChatPush(c.Request.Context(), req.Message); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ChatPushResponse{OK: true})
}

func decodeBody(c *gin.Context, out any) error {
	return json.Unmarshal(rawBody(c), out)
}

// ─── admin handlers ───────────────────────────────────────────────────────

func (s *Server) handleListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, ListNodesResponse{Nodes: s.deps.ListNodes()})
}

func (s *Server) handleAdminAction(action func(nodeID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdminActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
			return
		}
		if err := action(req.NodeID); err != nil {
			c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, AdminActionResponse{OK: true, NodeID: req.NodeID})
	}
}
