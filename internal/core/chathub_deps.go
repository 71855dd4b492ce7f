package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/docstore"
	"github.com/meshnode/meshnode/internal/trust"
)

// Core implements chathub.Deps.

func (c *Core) AppendLocalChat(nodeID, content string) (chatdoc.Message, error) {
	if content == "" {
		return chatdoc.Message{}, fmt.Errorf("core: empty chat message")
	}
	if len(content) > chatdoc.MaxContentLength {
		return chatdoc.Message{}, fmt.Errorf("core: chat message exceeds %d characters", chatdoc.MaxContentLength)
	}
	msg := chatdoc.Message{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		NodeName:  c.cfg.Node.Name,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
	_, err := docstore.Update(c.store, docChat, chatdoc.Document{}, func(doc chatdoc.Document) chatdoc.Document {
		return chatdoc.Merge(doc, chatdoc.Document{msg}, 0)
	})
	if err != nil {
		return chatdoc.Message{}, err
	}
	return msg, nil
}

func (c *Core) TrustedConnectablePeers() []trust.Record {
	return trust.DiscoverTrustedConnectablePeers(c.nodesDoc(), c.identity.NodeID)
}

func (c *Core) SelfNodeID() string { return c.identity.NodeID }
