package core

import (
	"github.com/meshnode/meshnode/internal/docstore"
	"github.com/meshnode/meshnode/internal/trust"
)

// Core implements the admin surface of rpc.Dependencies: the
// operator-facing approve/reject/kick/list-nodes actions meshctl drives
// against trustReg, each applied under docNodes's own lock so they never
// race a concurrent gossip or sync merge.

func (c *Core) AdminCredentials() (user, password string) {
	return c.cfg.Security.AdminUser, c.cfg.Security.AdminPassword
}

func (c *Core) ListNodes() trust.Document {
	return c.nodesDoc()
}

func (c *Core) AdminApprove(nodeID string) error {
	return c.adminMutate(nodeID, c.trustReg.Approve)
}

func (c *Core) AdminReject(nodeID string) error {
	return c.adminMutate(nodeID, c.trustReg.Reject)
}

func (c *Core) AdminKick(nodeID string) error {
	return c.adminMutate(nodeID, c.trustReg.Kick)
}

func (c *Core) adminMutate(nodeID string, op func(doc trust.Document, nodeID string) error) error {
	var opErr error
	_, err := docstore.Update(c.store, docNodes, trust.Document{}, func(doc trust.Document) trust.Document {
		out := cloneNodes(doc)
		if opErr = op(out, nodeID); opErr != nil {
			return doc
		}
		return out
	})
	if opErr != nil {
		return opErr
	}
	return err
}
