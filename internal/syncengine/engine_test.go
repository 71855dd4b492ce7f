package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/nodestate"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/snippet"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestGossipPeriodGrowsWithPeerCount(t *testing.T) {
	base := 30 * time.Second
	p1 := gossipPeriod(base, 1)
	p8 := gossipPeriod(base, 8)
	require.Equal(t, base, p1, "log2(1)=0, so a single peer adds nothing")
	require.Greater(t, p8, p1, "more peers should stretch the gossip period")
}

func TestChoosePeersNeverExceedsAvailable(t *testing.T) {
	peers := []trust.Record{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}}
	require.Len(t, choosePeers(peers, 10), 3)
	require.Len(t, choosePeers(peers, 2), 2)
}

// fakeDeps is a minimal in-memory Deps good enough to drive syncWithPeer.
type fakeDeps struct {
	mu       sync.Mutex
	id       *identity.Identity
	mode     identity.Mode
	cursors  map[string]int64
	merged   []rpc.SyncRequest
	newChat  [][]chatdoc.Message
	selfInfo map[string]any
}

func newFakeDeps(id *identity.Identity) *fakeDeps {
	return &fakeDeps{id: id, mode: identity.ModeFull, cursors: map[string]int64{}, selfInfo: map[string]any{}}
}

func (f *fakeDeps) Identity() *identity.Identity { return f.id }
func (f *fakeDeps) SelfMode() identity.Mode       { return f.mode }
func (f *fakeDeps) SetSelfMode(m identity.Mode)   { f.mode = m }
func (f *fakeDeps) Connectable() bool             { return true }

func (f *fakeDeps) TrustDocument() (trust.Document, int64)       { return trust.Document{}, 0 }
func (f *fakeDeps) StatesDocument() (nodestate.Document, int64)  { return nodestate.Document{}, 0 }
func (f *fakeDeps) ChatDocument() (chatdoc.Document, int64)      { return chatdoc.Document{}, 0 }
func (f *fakeDeps) SnippetsDocument() (snippet.Document, int64)  { return snippet.Document{}, 0 }

func (f *fakeDeps) MergeFromPeer(remote rpc.SyncRequest) (rpc.SyncResponse, []chatdoc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, remote)
	newMsgs := remote.Chat
	f.newChat = append(f.newChat, newMsgs)
	return rpc.SyncResponse{NodeID: f.id.NodeID}, newMsgs, nil
}

func (f *fakeDeps) ApplyHeartbeatResponse(rpc.HeartbeatResponse) {}
func (f *fakeDeps) WriteSelfState(nodestate.Status, uint64)      {}
func (f *fakeDeps) SelfSystemInfo() map[string]any               { return f.selfInfo }

func (f *fakeDeps) CursorGet(peer string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[peer]
}

func (f *fakeDeps) CursorSet(peer string, ts int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts > f.cursors[peer] {
		f.cursors[peer] = ts
	}
}

func (f *fakeDeps) PeerClient(rec trust.Record) *rpc.Client {
	return rpc.New(rec.PublicURL, 5*time.Second, f.id)
}

func (f *fakeDeps) BroadcastNewChat(msgs []chatdoc.Message) {}

func (f *fakeDeps) ApplyInboundTasks(ctx context.Context, tasks []rpc.Task) []rpc.TaskResult {
	return nil
}

func (f *fakeDeps) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func freshTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, _, err := identity.Bootstrap(nil)
	require.NoError(t, err)
	return id
}

func TestSyncWithPeerAdvancesCursorAndMerges(t *testing.T) {
	peerID := freshTestIdentity(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/peer/sync", r.URL.Path)
		resp := rpc.SyncResponse{
			NodeID: peerID.NodeID,
			Chat:   chatdoc.Document{{ID: "m1", Content: "hi", Timestamp: 1}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	selfID := freshTestIdentity(t)
	deps := newFakeDeps(selfID)
	eng := New(deps, Config{})

	peer := trust.Record{NodeID: peerID.NodeID, PublicURL: srv.URL, Connectable: true, Mode: identity.ModeFull, TrustStatus: identity.TrustTrusted}

	before := time.Now().Unix()
	err := eng.syncWithPeer(context.Background(), peer)
	require.NoError(t, err)

	require.GreaterOrEqual(t, deps.CursorGet(peer.NodeID), before)
	require.Len(t, deps.merged, 1)
	require.Equal(t, peerID.NodeID, deps.merged[0].NodeID)
}

func TestSyncWithPeerReturnsErrorOnTransportFailure(t *testing.T) {
	selfID := freshTestIdentity(t)
	deps := newFakeDeps(selfID)
	eng := New(deps, Config{PeerTimeout: 200 * time.Millisecond})

	peer := trust.Record{NodeID: "ghost", PublicURL: "http://127.0.0.1:1", Connectable: true, Mode: identity.ModeFull}
	err := eng.syncWithPeer(context.Background(), peer)
	require.Error(t, err)
}

func TestRestartSwapsMainLoopWithoutLeakingGoroutine(t *testing.T) {
	selfID := freshTestIdentity(t)
	deps := newFakeDeps(selfID)
	deps.mode = identity.ModeRelay
	eng := New(deps, Config{HeartbeatInterval: 20 * time.Millisecond, PeerTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	time.Sleep(30 * time.Millisecond)

	deps.mode = identity.ModeFull
	eng.Restart(ctx)
	time.Sleep(30 * time.Millisecond)
	// No assertion beyond "doesn't deadlock or panic" — Restart's contract
	// is that it blocks until the previous loop has fully exited.
}
