package core

import (
	"github.com/meshnode/meshnode/internal/docstore"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/join"
	"github.com/meshnode/meshnode/internal/trust"
)

// Core implements join.Deps.

func (c *Core) Self() join.Self {
	c.mu.RLock()
	connectable := c.connectable
	c.mu.RUnlock()

	return join.Self{
		NodeID:      c.identity.NodeID,
		Name:        c.cfg.Node.Name,
		Host:        c.cfg.Server.Host,
		Port:        c.cfg.Server.Port,
		PublicURL:   c.cfg.Node.PublicURL,
		Connectable: connectable,
		PublicKey:   c.identity.PublicKeyHex(),
	}
}

func (c *Core) AdoptTrustedNodes(remote trust.Document) {
	docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		return trust.MergeNodes(doc, remote, c.identity.NodeID)
	})
}

func (c *Core) SetOwnTrustStatus(status identity.TrustStatus) {
	docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		rec, ok := doc[c.identity.NodeID]
		if !ok {
			return doc
		}
		out := cloneNodes(doc)
		rec.TrustStatus = status
		out[c.identity.NodeID] = rec
		return out
	})
}
