// Package core is the composition root: it wires the Store, Identity,
// TrustRegistry, SyncCursors, SyncEngine, JoinCoordinator, and ChatHub
// together and exposes the combined surface each of those packages needs
// from "everything else" via small interfaces (rpc.Dependencies,
// syncengine.Deps, join.Deps, chathub.Deps) — avoiding any import cycle
// back from those leaf packages into this one.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshnode/meshnode/internal/audit"
	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/chathub"
	"github.com/meshnode/meshnode/internal/collector"
	"github.com/meshnode/meshnode/internal/config"
	"github.com/meshnode/meshnode/internal/cursor"
	"github.com/meshnode/meshnode/internal/docstore"
	"github.com/meshnode/meshnode/internal/executor"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/join"
	"github.com/meshnode/meshnode/internal/nodestate"
	"github.com/meshnode/meshnode/internal/rpc"
	"github.com/meshnode/meshnode/internal/snippet"
	"github.com/meshnode/meshnode/internal/syncengine"
	"github.com/meshnode/meshnode/internal/trust"
	"github.com/sirupsen/logrus"
)

const (
	docIdentity = "identity"
	docNodes    = "nodes"
	docStates   = "states"
	docChat     = "chat"
	docSnippets = "snippets"
	docCursors  = "sync_meta"
)

// Core owns every document and background loop for one mesh node.
type Core struct {
	cfg   *config.Config
	log   *logrus.Logger
	store *docstore.Store

	identity    *identity.Identity
	trustReg    *trust.Registry
	recorder    audit.Recorder
	collector   collector.Collector
	taskService executor.TaskService
	exec        executor.Executor

	mu          sync.RWMutex
	selfMode    identity.Mode
	connectable bool

	Engine *syncengine.Engine
	Hub    *chathub.Hub
	Joiner *join.Coordinator
}

// New bootstraps a Core rooted at dataDir: loads or mints the node
// identity, derives its role, ensures a self record exists in the `nodes`
// document, and wires the background engine/hub/joiner. It does not start
// any loop — call Start for that.
func New(cfg *config.Config, log *logrus.Logger, dataDir string) (*Core, error) {
	store, err := docstore.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("core: open store: %w", err)
	}

	var idDoc identity.Document
	if err := store.Read(docIdentity, &idDoc); err != nil {
		return nil, fmt.Errorf("core: read identity document: %w", err)
	}

	id, fresh, err := identity.Bootstrap(&idDoc)
	if err != nil {
		return nil, fmt.Errorf("core: bootstrap identity: %w", err)
	}
	if fresh != nil {
		if err := store.Write(docIdentity, fresh); err != nil {
			return nil, fmt.Errorf("core: persist fresh identity: %w", err)
		}
	}

	// node.connectable (spec §6) can be set explicitly — e.g. port-forwarded
	// without a stable public_url yet — or implied by a configured public_url.
	connectable := cfg.Node.Connectable || cfg.Node.PublicURL != ""
	mode, warning := identity.DeriveRole(identity.RoleConfig{
		ConfiguredMode: cfg.Node.Mode,
		PrimaryServer:  cfg.Node.PrimaryServer,
		Connectable:    connectable,
	})

	var recorder audit.Recorder
	if cfg.Logging.File.Enabled {
		fr, err := audit.NewFileRecorder(cfg.Logging.File.Directory + "/audit.ndjson")
		if err != nil {
			return nil, fmt.Errorf("core: open audit log: %w", err)
		}
		recorder = fr
	} else {
		recorder = audit.NullRecorder{}
	}

	c := &Core{
		cfg:         cfg,
		log:         log,
		store:       store,
		identity:    id,
		trustReg:    trust.New(id.NodeID),
		recorder:    recorder,
		collector:   collector.NewRuntimeCollector(time.Now()),
		selfMode:    mode,
		connectable: connectable,
		taskService: executor.NoopTaskService{},
	}

	if warning != "" {
		log.Warn(warning)
	}

	if err := c.ensureSelfRecord(); err != nil {
		return nil, err
	}

	c.Engine = syncengine.New(c, syncengine.Config{
		SyncInterval:         time.Duration(cfg.Peer.SyncIntervalSeconds) * time.Second,
		HeartbeatInterval:    time.Duration(cfg.Peer.HeartbeatIntervalSeconds) * time.Second,
		PeerTimeout:          time.Duration(cfg.Peer.TimeoutSeconds) * time.Second,
		MaxFanout:            cfg.Peer.MaxFanout,
		MaxHeartbeatFailures: cfg.Peer.MaxHeartbeatFailures,
	})
	c.Hub = chathub.New(c, chathub.Config{AuthToken: cfg.Security.ChatToken})
	c.Joiner = join.New(c, id, time.Duration(cfg.Peer.SyncIntervalSeconds)*time.Second)

	return c, nil
}

func (c *Core) ensureSelfRecord() error {
	_, err := docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		if _, ok := doc[c.identity.NodeID]; ok {
			return doc
		}
		out := make(trust.Document, len(doc)+1)
		for k, v := range doc {
			out[k] = v
		}
		out[c.identity.NodeID] = trust.Record{
			NodeID:       c.identity.NodeID,
			Name:         c.cfg.Node.Name,
			Mode:         c.selfMode,
			Connectable:  c.connectable,
			PublicURL:    c.cfg.Node.PublicURL,
			RegisteredAt: time.Now().Unix(),
			PublicKey:    c.identity.PublicKeyHex(),
			TrustStatus:  identity.TrustSelf,
		}
		return out
	})
	return err
}

// Start launches the background sync/heartbeat/self-state loops.
func (c *Core) Start(ctx context.Context) {
	c.Engine.Start(ctx)
}

// Close flushes and closes everything with a file handle.
func (c *Core) Close() error {
	return c.recorder.Close()
}

// ─── small read helpers shared across the Deps implementations ─────────────

func (c *Core) nodesDoc() trust.Document {
	var doc trust.Document
	_ = c.store.Read(docNodes, &doc)
	if doc == nil {
		doc = trust.Document{}
	}
	return doc
}

func (c *Core) statesDoc() nodestate.Document {
	var doc nodestate.Document
	_ = c.store.Read(docStates, &doc)
	if doc == nil {
		doc = nodestate.Document{}
	}
	return doc
}

func (c *Core) chatDoc() chatdoc.Document {
	var doc chatdoc.Document
	_ = c.store.Read(docChat, &doc)
	return doc
}

func (c *Core) snippetsDoc() snippet.Document {
	var doc snippet.Document
	_ = c.store.Read(docSnippets, &doc)
	if doc == nil {
		doc = snippet.Document{}
	}
	return doc
}

func (c *Core) cursorsDoc() cursor.Document {
	var doc cursor.Document
	_ = c.store.Read(docCursors, &doc)
	if doc == nil {
		doc = cursor.Document{}
	}
	return doc
}
