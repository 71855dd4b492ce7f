package core

import (
	"context"
	"fmt"
	"time"

	"github.com/meshnode/meshnode/internal/audit"
	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/cursor"
	"github.com/meshnode/meshnode/internal/docstore"
	"github.com/meshnode/meshnode/internal/executor"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/nodestate"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/snippet"
	"github.com/meshnode/meshnode/internal/trust"
)

// Core implements rpc.Dependencies, the server-side of PeerRPC.

func (c *Core) SelfHandshake() rpc.HandshakeResponse {
	c.mu.RLock()
	mode, connectable := c.selfMode, c.connectable
	c.mu.RUnlock()

	return rpc.HandshakeResponse{
		NodeID:      c.identity.NodeID,
		Name:        c.cfg.Node.Name,
		Mode:        string(mode),
		Connectable: connectable,
		PublicURL:   c.cfg.Node.PublicURL,
		PublicKey:   c.identity.PublicKeyHex(),
	}
}

func (c *Core) LookupPublicKey(nodeID string) (string, identity.TrustStatus, bool) {
	rec, ok := c.nodesDoc()[nodeID]
	if !ok {
		return "", "", false
	}
	return rec.PublicKey, rec.TrustStatus, true
}

func (c *Core) HandleJoinRequest(ctx context.Context, req rpc.JoinRequest) (rpc.JoinResponse, error) {
	now := time.Now().Unix()
	var resultStatus identity.TrustStatus

	nodes, err := docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		if existing, ok := doc[req.NodeID]; ok {
			resultStatus = existing.TrustStatus
			return doc
		}
		out := cloneNodes(doc)
		out[req.NodeID] = trust.Record{
			NodeID:       req.NodeID,
			Name:         req.Name,
			Mode:         identity.ModeFull,
			Connectable:  req.Connectable,
			Host:         req.Host,
			Port:         req.Port,
			PublicURL:    req.PublicURL,
			RegisteredAt: now,
			PublicKey:    req.PublicKey,
			TrustStatus:  identity.TrustPending,
		}
		resultStatus = identity.TrustPending
		return out
	})
	if err != nil {
		return rpc.JoinResponse{}, err
	}

	c.recorder.Record(audit.Event{Kind: "join_request", Actor: req.NodeID})

	resp := rpc.JoinResponse{Status: string(resultStatus)}
	if resultStatus == identity.TrustTrusted {
		resp.Nodes = nodes
	}
	return resp, nil
}

func (c *Core) HandleJoinStatus(ctx context.Context, nodeID, publicKeyHex string) (rpc.JoinResponse, error) {
	rec, ok := c.nodesDoc()[nodeID]
	if !ok {
		return rpc.JoinResponse{Status: string(identity.TrustPending)}, nil
	}
	if rec.PublicKey != "" && rec.PublicKey != publicKeyHex {
		return rpc.JoinResponse{}, fmt.Errorf("join-status: public key mismatch for %s", nodeID)
	}

	resp := rpc.JoinResponse{Status: string(rec.TrustStatus)}
	if rec.TrustStatus == identity.TrustTrusted {
		resp.Nodes = c.nodesDoc()
	}
	return resp, nil
}

func (c *Core) HandleSync(ctx context.Context, req rpc.SyncRequest) (rpc.SyncResponse, error) {
	_, _, err := c.mergeFromPeer(req)
	if err != nil {
		return rpc.SyncResponse{}, err
	}
	return c.deltaSyncResponse(req.Since), nil
}

func (c *Core) HandleHeartbeat(ctx context.Context, req rpc.HeartbeatRequest) (rpc.HeartbeatResponse, error) {
	_, err := docstore.Update(c.store, docStates, nodestate.Document{}, func(doc nodestate.Document) nodestate.Document {
		out := make(nodestate.Document, len(doc)+1)
		for k, v := range doc {
			out[k] = v
		}
		out[req.NodeID] = nodestate.Record{
			Status:     nodestate.StatusOnline,
			LastSeen:   time.Now().Unix(),
			SystemInfo: req.SystemInfo,
			Version:    out[req.NodeID].Version + 1,
		}
		return out
	})
	if err != nil {
		return rpc.HeartbeatResponse{}, err
	}

	for _, tr := range req.TaskResults {
		var resultErr error
		if tr.Error != "" {
			resultErr = fmt.Errorf("%s", tr.Error)
		}
		c.taskService.RecordResult(req.NodeID, executor.Result{
			TaskID: tr.TaskID,
			Status: tr.Status,
			Output: tr.Output,
			Err:    resultErr,
		})
		c.recorder.Record(audit.Event{Kind: "task_result", Actor: req.NodeID, Target: tr.TaskID})
	}

	resp := c.deltaSyncResponse(req.Since)
	return rpc.HeartbeatResponse{
		Accepted: true,
		Nodes:    resp.Nodes,
		States:   resp.States,
		Chat:     resp.Chat,
		Snippets: resp.Snippets,
		Tasks:    tasksFromExecutor(c.taskService.PendingTasksFor(req.NodeID)),
	}, nil
}

func tasksFromExecutor(in []executor.Task) []rpc.Task {
	if len(in) == 0 {
		return nil
	}
	out := make([]rpc.Task, len(in))
	for i, t := range in {
		out[i] = rpc.Task{TaskID: t.TaskID, Kind: t.Kind, Payload: t.Payload}
	}
	return out
}

func (c *Core) HandleChatPush(ctx context.Context, msg chatdoc.Message) error {
	_, err := docstore.Update(c.store, docChat, chatdoc.Document{}, func(doc chatdoc.Document) chatdoc.Document {
		return chatdoc.Merge(doc, chatdoc.Document{msg}, 0)
	})
	if err != nil {
		return err
	}
	c.Hub.Broadcast(msg)
	return nil
}

// TriggerSync is the operator-initiated analogue of Engine's own
// gossip/active-sync exchange: one bidirectional round against every
// trusted, connectable peer, right now rather than on the next tick. Like
// Engine.syncWithPeer, it sends only the delta since the stored cursor and
// merges whatever the peer sends back before advancing that cursor.
func (c *Core) TriggerSync(ctx context.Context) (rpc.TriggerSyncSummary, error) {
	start := time.Now()
	peers := trust.DiscoverTrustedConnectablePeers(c.nodesDoc(), c.identity.NodeID)

	var succeeded, failed int
	for _, peer := range peers {
		if err := c.triggerSyncWithPeer(ctx, peer); err != nil {
			failed++
			continue
		}
		succeeded++
	}

	return rpc.TriggerSyncSummary{
		Success:     failed == 0,
		SyncedPeers: succeeded,
		FailedPeers: failed,
		TotalPeers:  len(peers),
		ElapsedSecs: time.Since(start).Seconds(),
	}, nil
}

func (c *Core) triggerSyncWithPeer(ctx context.Context, peer trust.Record) error {
	client := c.PeerClient(peer)
	since := cursor.Get(c.cursorsDoc(), peer.NodeID)
	cursorTS := time.Now().Unix()

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := client.Sync(sctx, rpc.SyncRequest{
		NodeID:   c.identity.NodeID,
		Since:    since,
		Nodes:    trust.Delta(c.nodesDoc(), since),
		States:   nodestate.Delta(c.statesDoc(), since),
		Chat:     chatdoc.Delta(c.chatDoc(), since),
		Snippets: snippet.Delta(c.snippetsDoc(), since),
	})
	if err != nil {
		return err
	}

	_, newMsgs, err := c.mergeFromPeer(rpc.SyncRequest{
		NodeID:   peer.NodeID,
		Since:    since,
		Nodes:    resp.Nodes,
		States:   resp.States,
		Chat:     resp.Chat,
		Snippets: resp.Snippets,
	})
	if err != nil {
		return err
	}

	docstore.Update(c.store, docCursors, cursor.Document{}, func(doc cursor.Document) cursor.Document {
		return cursor.Set(doc, peer.NodeID, cursorTS)
	})
	if len(newMsgs) > 0 {
		c.Hub.BroadcastMany(newMsgs)
	}
	return nil
}

func cloneNodes(doc trust.Document) trust.Document {
	out := make(trust.Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	return out
}
