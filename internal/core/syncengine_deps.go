package core

import (
	"context"
	"time"

	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/cursor"
	"github.com/meshnode/meshnode/internal/docstore"
	"github.com/meshnode/meshnode/internal/executor"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/nodestate"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/snippet"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
)

// Core implements syncengine.Deps.

func (c *Core) Identity() *identity.Identity { return c.identity }

func (c *Core) SelfMode() identity.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfMode
}

func (c *Core) SetSelfMode(m identity.Mode) {
	c.mu.Lock()
	c.selfMode = m
	c.mu.Unlock()

	docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		rec, ok := doc[c.identity.NodeID]
		if !ok {
			return doc
		}
		out := cloneNodes(doc)
		rec.Mode = m
		out[c.identity.NodeID] = rec
		return out
	})
}

func (c *Core) Connectable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectable
}

func (c *Core) TrustDocument() (trust.Document, int64)      { return c.nodesDoc(), time.Now().Unix() }
func (c *Core) StatesDocument() (nodestate.Document, int64) { return c.statesDoc(), time.Now().Unix() }
func (c *Core) ChatDocument() (chatdoc.Document, int64)     { return c.chatDoc(), time.Now().Unix() }
func (c *Core) SnippetsDocument() (snippet.Document, int64) { return c.snippetsDoc(), time.Now().Unix() }

// mergeFromPeer applies remote's documents against local state under each
// document's own lock, returning the post-merge delta of all four
// documents since remote.Since and the subset of chat messages the merge
// introduced (for ChatHub to broadcast).
func (c *Core) mergeFromPeer(remote rpc.SyncRequest) (rpc.SyncResponse, []chatdoc.Message, error) {
	if _, err := docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		return trust.MergeNodes(doc, remote.Nodes, c.identity.NodeID)
	}); err != nil {
		return rpc.SyncResponse{}, nil, err
	}

	if _, err := docstore.Update(c.store, docStates, nodestate.Document{}, func(doc nodestate.Document) nodestate.Document {
		return nodestate.Merge(doc, remote.States)
	}); err != nil {
		return rpc.SyncResponse{}, nil, err
	}

	if _, err := docstore.Update(c.store, docSnippets, snippet.Document{}, func(doc snippet.Document) snippet.Document {
		return snippet.Merge(doc, remote.Snippets)
	}); err != nil {
		return rpc.SyncResponse{}, nil, err
	}

	var newMsgs []chatdoc.Message
	if _, err := docstore.Update(c.store, docChat, chatdoc.Document{}, func(doc chatdoc.Document) chatdoc.Document {
		merged := chatdoc.Merge(doc, remote.Chat, 0)
		newMsgs = chatdoc.NewIDs(doc, merged)
		return merged
	}); err != nil {
		return rpc.SyncResponse{}, nil, err
	}

	return c.deltaSyncResponse(remote.Since), newMsgs, nil
}

func (c *Core) deltaSyncResponse(since int64) rpc.SyncResponse {
	return rpc.SyncResponse{
		NodeID:   c.identity.NodeID,
		Nodes:    trust.Delta(c.nodesDoc(), since),
		States:   nodestate.Delta(c.statesDoc(), since),
		Chat:     chatdoc.Delta(c.chatDoc(), since),
		Snippets: snippet.Delta(c.snippetsDoc(), since),
	}
}

func (c *Core) MergeFromPeer(remote rpc.SyncRequest) (rpc.SyncResponse, []chatdoc.Message, error) {
	return c.mergeFromPeer(remote)
}

func (c *Core) ApplyHeartbeatResponse(resp rpc.HeartbeatResponse) {
	docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		return trust.MergeNodes(doc, resp.Nodes, c.identity.NodeID)
	})
	docstore.Update(c.store, docStates, nodestate.Document{}, func(doc nodestate.Document) nodestate.Document {
		return nodestate.Merge(doc, resp.States)
	})
	var newMsgs []chatdoc.Message
	docstore.Update(c.store, docChat, chatdoc.Document{}, func(doc chatdoc.Document) chatdoc.Document {
		merged := chatdoc.Merge(doc, resp.Chat, 0)
		newMsgs = chatdoc.NewIDs(doc, merged)
		return merged
	})
	if len(newMsgs) > 0 {
		c.Hub.BroadcastMany(newMsgs)
	}
}

func (c *Core) WriteSelfState(status nodestate.Status, version uint64) {
	docstore.Update(c.store, docStates, nodestate.Document{}, func(doc nodestate.Document) nodestate.Document {
		out := make(nodestate.Document, len(doc)+1)
		for k, v := range doc {
			out[k] = v
		}
		out[c.identity.NodeID] = nodestate.Record{
			Status:     status,
			LastSeen:   time.Now().Unix(),
			SystemInfo: c.collector.Collect(),
			Version:    version,
		}
		return out
	})
}

func (c *Core) SelfSystemInfo() map[string]any { return c.collector.Collect() }

func (c *Core) CursorGet(peer string) int64 {
	return cursor.Get(c.cursorsDoc(), peer)
}

func (c *Core) CursorSet(peer string, ts int64) {
	docstore.Update(c.store, docCursors, cursor.Document{}, func(doc cursor.Document) cursor.Document {
		return cursor.Set(doc, peer, ts)
	})
}

// ApplyInboundTasks runs each task dispatched by a hub's heartbeat response
// through the local Executor, if one is configured. No Executor ships with
// this module (see executor.Executor's doc comment), so in practice every
// task comes back "unsupported" — the plumbing end to end is real, the
// command runner behind it is the seam a trusted single-operator deployment
// would fill in.
func (c *Core) ApplyInboundTasks(ctx context.Context, tasks []rpc.Task) []rpc.TaskResult {
	if len(tasks) == 0 {
		return nil
	}
	out := make([]rpc.TaskResult, len(tasks))
	for i, t := range tasks {
		et := executor.Task{TaskID: t.TaskID, Kind: t.Kind, Payload: t.Payload}

		var result executor.Result
		if c.exec != nil {
			result = c.exec.Execute(ctx, et)
		} else {
			result = executor.Result{TaskID: t.TaskID, Status: "unsupported"}
		}

		tr := rpc.TaskResult{TaskID: result.TaskID, Status: result.Status, Output: result.Output}
		if result.Err != nil {
			tr.Error = result.Err.Error()
		}
		out[i] = tr
	}
	return out
}

func (c *Core) PeerClient(rec trust.Record) *rpc.Client {
	timeout := time.Duration(c.cfg.Peer.TimeoutSeconds) * time.Second
	return rpc.New(rec.PublicURL, timeout, c.identity)
}

func (c *Core) BroadcastNewChat(msgs []chatdoc.Message) {
	c.Hub.BroadcastMany(msgs)
}

func (c *Core) Logger() *logrus.Logger { return c.log }
