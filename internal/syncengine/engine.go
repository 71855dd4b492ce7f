// Package syncengine runs the node's background synchronization loops:
// Gossip for publicly reachable Full nodes, ActiveSync for NAT'd Full
// nodes, Heartbeat for Relays, and SelfState unconditionally. It also
// implements the Relay ⇄ Temp-Full failover dance.
//
// The concurrent fan-out here is the direct descendant of the teacher's
// quorum write/read fan-out (cluster.Node.executeWriteQuorum et al.): spawn
// one goroutine per peer and wait on a sync.WaitGroup until they are done —
// "all of them, best effort" rather than a write quorum, because sync is
// eventually consistent, not quorum-consistent.
package syncengine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/nodestate"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/snippet"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
)

// Config carries the peer.* settings from spec §6.
type Config struct {
	SyncInterval         time.Duration
	HeartbeatInterval    time.Duration
	PeerTimeout          time.Duration
	MaxFanout            int
	MaxHeartbeatFailures int
}

// Deps is everything the engine needs from the Core composition root. Kept
// as an interface for the same reason rpc.Dependencies is: avoids an
// import cycle back to internal/core.
type Deps interface {
	Identity() *identity.Identity
	SelfMode() identity.Mode
	SetSelfMode(identity.Mode)
	Connectable() bool

	// Document access — each returns the current document and a snapshot
	// timestamp taken before any network I/O, per spec §4.4's cursor rule.
	TrustDocument() (trust.Document, int64)
	StatesDocument() (nodestate.Document, int64)
	ChatDocument() (chatdoc.Document, int64)
	SnippetsDocument() (snippet.Document, int64)

	MergeFromPeer(remote rpc.SyncRequest) (rpc.SyncResponse, []chatdoc.Message, error)
	ApplyHeartbeatResponse(resp rpc.HeartbeatResponse)
	WriteSelfState(status nodestate.Status, version uint64)
	SelfSystemInfo() map[string]any

	// ApplyInboundTasks hands a heartbeat response's Tasks to the local
	// Executor, if one is configured, and returns the results to be
	// carried on the next heartbeat round's task_results.
	ApplyInboundTasks(ctx context.Context, tasks []rpc.Task) []rpc.TaskResult

	CursorGet(peer string) int64
	CursorSet(peer string, ts int64)

	PeerClient(rec trust.Record) *rpc.Client

	BroadcastNewChat(msgs []chatdoc.Message)

	Logger() *logrus.Logger
}

// Engine owns the node's one "main" background loop plus its always-on
// SelfState loop, and the failover state machine between them.
type Engine struct {
	deps Deps
	cfg  Config

	mainCancel context.CancelFunc
	mainDone   chan struct{}
	mu         sync.Mutex

	heartbeatFailures int
	version           nodestate.Counter

	tasksMu        sync.Mutex
	pendingResults []rpc.TaskResult
}

// New creates an Engine. Call Start to begin running loops.
func New(deps Deps, cfg Config) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 10 * time.Second
	}
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = 3
	}
	if cfg.MaxHeartbeatFailures <= 0 {
		cfg.MaxHeartbeatFailures = 3
	}
	return &Engine{deps: deps, cfg: cfg}
}

// Start launches the SelfState loop (forever, independent of role) and the
// role-appropriate main loop.
func (e *Engine) Start(ctx context.Context) {
	go e.runSelfState(ctx)
	e.restartMainLoop(ctx)
}

// Restart cancels whatever main loop is running, waits for it to finish its
// in-flight iteration, resets the failure counter, and starts the loop
// appropriate for the node's current mode/connectable — spec §4.6's
// "Restart semantics" for runtime config changes.
func (e *Engine) Restart(ctx context.Context) {
	e.mu.Lock()
	cancel := e.mainCancel
	done := e.mainDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.heartbeatFailures = 0
	e.restartMainLoop(ctx)
}

func (e *Engine) restartMainLoop(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	e.mu.Lock()
	e.mainCancel = cancel
	e.mainDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.runMainLoop(ctx)
	}()
}

func (e *Engine) runMainLoop(ctx context.Context) {
	mode := e.deps.SelfMode()
	switch mode {
	case identity.ModeRelay:
		e.heartbeatLoop(ctx)
	case identity.ModeFull, identity.ModeTempFull:
		if e.deps.Connectable() {
			e.gossipLoop(ctx)
		} else {
			e.activeSyncLoop(ctx)
		}
	default:
		e.activeSyncLoop(ctx)
	}
}

// ─── SelfState (always on) ────────────────────────────────────────────────

func (e *Engine) runSelfState(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.deps.WriteSelfState(nodestate.StatusOnline, e.version.Next())
		}
	}
}

// ─── Gossip (Hub) ─────────────────────────────────────────────────────────

func (e *Engine) gossipLoop(ctx context.Context) {
	log := e.deps.Logger()
	for {
		peers := trust.DiscoverTrustedConnectablePeers(mustDoc(e.deps), e.deps.Identity().NodeID)
		period := gossipPeriod(e.cfg.SyncInterval, len(peers))

		chosen := choosePeers(peers, min(e.cfg.MaxFanout, len(peers)))
		var wg sync.WaitGroup
		for _, peer := range chosen {
			wg.Add(1)
			go func(p trust.Record) {
				defer wg.Done()
				if err := e.syncWithPeer(ctx, p); err != nil {
					log.WithError(err).WithField("peer", p.NodeID).Debug("gossip: sync failed")
					e.deps.WriteSelfState(nodestate.StatusOnline, e.version.Next()) // keep self alive regardless
				}
			}(peer)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
	}
}

// gossipPeriod implements spec §4.6: sync_interval + log2(max(n,1))*5s.
func gossipPeriod(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	extra := math.Log2(float64(n)) * 5
	return base + time.Duration(extra*float64(time.Second))
}

func choosePeers(peers []trust.Record, k int) []trust.Record {
	if k >= len(peers) {
		return peers
	}
	shuffled := make([]trust.Record, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:k]
}

// ─── ActiveSync (NAT'd Full) ──────────────────────────────────────────────

func (e *Engine) activeSyncLoop(ctx context.Context) {
	log := e.deps.Logger()
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		peers := trust.DiscoverTrustedConnectablePeers(mustDoc(e.deps), e.deps.Identity().NodeID)
		anySucceeded := false
		for _, peer := range peers {
			if err := e.syncWithPeer(ctx, peer); err != nil {
				log.WithError(err).WithField("peer", peer.NodeID).Debug("active-sync: sync failed")
				continue
			}
			anySucceeded = true
		}

		if anySucceeded || len(peers) == 0 {
			e.heartbeatFailures = 0
		} else {
			e.heartbeatFailures++
			if e.heartbeatFailures >= e.cfg.MaxHeartbeatFailures {
				log.Warn("active-sync: no peer reachable for NAT'd full node, retrying (no role change)")
				e.heartbeatFailures = 0
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ─── Heartbeat (Relay) ────────────────────────────────────────────────────

func (e *Engine) heartbeatLoop(ctx context.Context) {
	log := e.deps.Logger()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		peers := trust.DiscoverTrustedConnectablePeers(mustDoc(e.deps), e.deps.Identity().NodeID)
		succeeded := false
		for _, peer := range peers {
			if e.heartbeatOnce(ctx, peer) {
				succeeded = true
				break
			}
		}

		if succeeded {
			e.heartbeatFailures = 0
		} else {
			e.heartbeatFailures++
			log.WithField("failures", e.heartbeatFailures).Warn("heartbeat: round failed against every hub")
			if e.heartbeatFailures >= e.cfg.MaxHeartbeatFailures {
				e.failover(ctx)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) heartbeatOnce(ctx context.Context, peer trust.Record) bool {
	client := e.deps.PeerClient(peer)
	cursorTS := time.Now().Unix()

	hctx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout)
	defer cancel()

	e.tasksMu.Lock()
	results := e.pendingResults
	e.pendingResults = nil
	e.tasksMu.Unlock()

	resp, err := client.Heartbeat(hctx, rpc.HeartbeatRequest{
		NodeID:      e.deps.Identity().NodeID,
		Mode:        string(e.deps.SelfMode()),
		Since:       e.deps.CursorGet(peer.NodeID),
		SystemInfo:  e.deps.SelfSystemInfo(),
		TaskResults: results,
	})
	if err != nil {
		// the round failed, don't drop results the hub hasn't seen yet
		e.tasksMu.Lock()
		e.pendingResults = append(results, e.pendingResults...)
		e.tasksMu.Unlock()
		return false
	}

	e.deps.ApplyHeartbeatResponse(*resp)
	e.deps.CursorSet(peer.NodeID, cursorTS)

	if len(resp.Tasks) > 0 {
		newResults := e.deps.ApplyInboundTasks(hctx, resp.Tasks)
		e.tasksMu.Lock()
		e.pendingResults = append(e.pendingResults, newResults...)
		e.tasksMu.Unlock()
	}
	return true
}

// ─── Failover ─────────────────────────────────────────────────────────────

func (e *Engine) failover(ctx context.Context) {
	log := e.deps.Logger()
	prior := e.deps.SelfMode()
	e.deps.SetSelfMode(e.deps.Identity().PromoteToTempFull(prior))
	log.WithField("prior_mode", prior).Warn("failover: promoting to temp_full")

	e.heartbeatFailures = 0
	e.restartMainLoop(ctx)
	go e.recoveryWatcher(ctx, prior)
}

// recoveryWatcher polls every trusted connectable peer's handshake
// endpoint until one succeeds, then demotes back to the prior role and
// restarts the Heartbeat loop.
func (e *Engine) recoveryWatcher(ctx context.Context, priorMode identity.Mode) {
	log := e.deps.Logger()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		peers := trust.DiscoverTrustedConnectablePeers(mustDoc(e.deps), e.deps.Identity().NodeID)
		for _, peer := range peers {
			client := e.deps.PeerClient(peer)
			hctx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout)
			_, err := client.Handshake(hctx)
			cancel()
			if err == nil {
				restored := e.deps.Identity().DemoteFromTempFull(priorMode)
				e.deps.SetSelfMode(restored)
				log.WithField("restored_mode", restored).Info("failover: recovery succeeded, demoting from temp_full")
				e.Restart(ctx)
				return
			}
		}
	}
}

// ─── sync exchange ────────────────────────────────────────────────────────

// syncWithPeer runs one full bidirectional sync exchange with peer:
// compute the local delta against the stored cursor, POST /peer/sync,
// merge the response, then advance the cursor to the timestamp captured
// BEFORE the request was built (spec §4.4).
func (e *Engine) syncWithPeer(ctx context.Context, peer trust.Record) error {
	client := e.deps.PeerClient(peer)
	since := e.deps.CursorGet(peer.NodeID)
	cursorTS := time.Now().Unix()

	nodesDoc, _ := e.deps.TrustDocument()
	statesDoc, _ := e.deps.StatesDocument()
	chatDoc, _ := e.deps.ChatDocument()
	snippetsDoc, _ := e.deps.SnippetsDocument()

	// §4.4: transmit only what changed since the last exchange with peer,
	// not the whole document.
	req := rpc.SyncRequest{
		NodeID:     e.deps.Identity().NodeID,
		Since:      since,
		Nodes:      trust.Delta(nodesDoc, since),
		States:     nodestate.Delta(statesDoc, since),
		Chat:       chatdoc.Delta(chatDoc, since),
		Snippets:   snippet.Delta(snippetsDoc, since),
		SystemInfo: e.deps.SelfSystemInfo(),
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout)
	defer cancel()

	resp, err := client.Sync(sctx, req)
	if err != nil {
		e.deps.WriteSelfState(nodestate.StatusOffline, e.version.Next())
		return fmt.Errorf("sync with %s: %w", peer.NodeID, err)
	}

	_, newChat, err := e.deps.MergeFromPeer(rpc.SyncRequest{
		NodeID:   peer.NodeID,
		Since:    since,
		Nodes:    resp.Nodes,
		States:   resp.States,
		Chat:     resp.Chat,
		Snippets: resp.Snippets,
	})
	if err != nil {
		return fmt.Errorf("merge response from %s: %w", peer.NodeID, err)
	}

	e.deps.CursorSet(peer.NodeID, cursorTS)
	if len(newChat) > 0 {
		e.deps.BroadcastNewChat(newChat)
	}
	return nil
}

func mustDoc(deps Deps) trust.Document {
	doc, _ := deps.TrustDocument()
	return doc
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
