package rpc_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/logging"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/trust"
)

type fakeDeps struct {
	self     rpc.HandshakeResponse
	nodes    trust.Document
	joinResp rpc.JoinResponse
	syncResp rpc.SyncResponse
	hbResp   rpc.HeartbeatResponse

	adminUser, adminPassword string

	lastChatPush chatdoc.Message
	lastApproved string
	approveErr   error
}

func (f *fakeDeps) SelfHandshake() rpc.HandshakeResponse { return f.self }

func (f *fakeDeps) LookupPublicKey(nodeID string) (string, identity.TrustStatus, bool) {
	rec, ok := f.nodes[nodeID]
	if !ok {
		return "", "", false
	}
	return rec.PublicKey, rec.TrustStatus, true
}

func (f *fakeDeps) HandleJoinRequest(ctx context.Context, req rpc.JoinRequest) (rpc.JoinResponse, error) {
	return f.joinResp, nil
}

func (f *fakeDeps) HandleJoinStatus(ctx context.Context, nodeID, publicKeyHex string) (rpc.JoinResponse, error) {
	return f.joinResp, nil
}

func (f *fakeDeps) HandleSync(ctx context.Context, req rpc.SyncRequest) (rpc.SyncResponse, error) {
	return f.syncResp, nil
}

func (f *fakeDeps) HandleHeartbeat(ctx context.Context, req rpc.HeartbeatRequest) (rpc.HeartbeatResponse, error) {
	return f.hbResp, nil
}

func (f *fakeDeps) HandleChatPush(ctx context.Context, msg chatdoc.Message) error {
	f.lastChatPush = msg
	return nil
}

func (f *fakeDeps) TriggerSync(ctx context.Context) (rpc.TriggerSyncSummary, error) {
	return rpc.TriggerSyncSummary{Success: true}, nil
}

func (f *fakeDeps) AdminCredentials() (string, string) { return f.adminUser, f.adminPassword }
func (f *fakeDeps) ListNodes() trust.Document          { return f.nodes }

func (f *fakeDeps) AdminApprove(nodeID string) error {
	f.lastApproved = nodeID
	return f.approveErr
}
func (f *fakeDeps) AdminReject(nodeID string) error { f.lastApproved = nodeID; return f.approveErr }
func (f *fakeDeps) AdminKick(nodeID string) error   { f.lastApproved = nodeID; return f.approveErr }

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, _, err := identity.Bootstrap(nil)
	require.NoError(t, err)
	return id
}

func newTestServer(t *testing.T, deps *fakeDeps) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rpc.NewServer(deps, logging.NewSilent()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandshakeIsUnsigned(t *testing.T) {
	deps := &fakeDeps{self: rpc.HandshakeResponse{NodeID: "node-a", Mode: "full"}}
	srv := newTestServer(t, deps)

	client := rpc.New(srv.URL, 0, nil)
	resp, err := client.Handshake(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-a", resp.NodeID)
}

func TestSignedEndpointRejectsUnknownSender(t *testing.T) {
	deps := &fakeDeps{nodes: trust.Document{}}
	srv := newTestServer(t, deps)

	id := newTestIdentity(t)
	client := rpc.New(srv.URL, 0, id)
	_, err := client.Sync(context.Background(), rpc.SyncRequest{NodeID: id.NodeID})
	require.Error(t, err)
	require.ErrorAs(t, err, new(*rpc.AuthRejectedError))
}

func TestSignedEndpointRejectsPendingSender(t *testing.T) {
	id := newTestIdentity(t)
	deps := &fakeDeps{nodes: trust.Document{
		id.NodeID: {NodeID: id.NodeID, PublicKey: id.PublicKeyHex(), TrustStatus: identity.TrustPending},
	}}
	srv := newTestServer(t, deps)

	client := rpc.New(srv.URL, 0, id)
	_, err := client.Sync(context.Background(), rpc.SyncRequest{NodeID: id.NodeID})
	require.Error(t, err)
}

func TestSignedEndpointAcceptsTrustedSender(t *testing.T) {
	id := newTestIdentity(t)
	deps := &fakeDeps{
		nodes: trust.Document{
			id.NodeID: {NodeID: id.NodeID, PublicKey: id.PublicKeyHex(), TrustStatus: identity.TrustTrusted},
		},
		syncResp: rpc.SyncResponse{NodeID: "seed"},
	}
	srv := newTestServer(t, deps)

	client := rpc.New(srv.URL, 0, id)
	resp, err := client.Sync(context.Background(), rpc.SyncRequest{NodeID: id.NodeID})
	require.NoError(t, err)
	require.Equal(t, "seed", resp.NodeID)
}

func TestChatPushDeliversToHandler(t *testing.T) {
	id := newTestIdentity(t)
	deps := &fakeDeps{
		nodes: trust.Document{
			id.NodeID: {NodeID: id.NodeID, PublicKey: id.PublicKeyHex(), TrustStatus: identity.TrustTrusted},
		},
	}
	srv := newTestServer(t, deps)

	client := rpc.New(srv.URL, 0, id)
	msg := chatdoc.Message{ID: "m1", NodeID: id.NodeID, Content: "hello"}
	require.NoError(t, client.ChatPush(context.Background(), rpc.ChatPushRequest{NodeID: id.NodeID, Message: msg}))
	require.Equal(t, "m1", deps.lastChatPush.ID)
}

func TestAdminEndpointsRequireBasicAuth(t *testing.T) {
	deps := &fakeDeps{adminUser: "admin", adminPassword: "secret"}
	srv := newTestServer(t, deps)

	resp, err := http.Get(srv.URL + "/admin/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/nodes", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAdminSurfaceDisabledWithoutCredentials(t *testing.T) {
	deps := &fakeDeps{}
	srv := newTestServer(t, deps)

	resp, err := http.Get(srv.URL + "/admin/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
