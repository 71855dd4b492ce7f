// Package rpc implements PeerRPC: the signed HTTP client and verifying
// server for every inter-node endpoint in spec §4.5.
package rpc

import (
	"github.com/meshnode/meshnode/internal/chatdoc"
	"github.com/meshnode/meshnode/internal/nodestate"
	"github.com/meshnode/meshnode/internal/snippet"
	"github.com/meshnode/meshnode/internal/trust"
)

// HandshakeResponse is GET /peer/handshake's body — this node's public
// identity, used both by the join flow and by the recovery watcher.
type HandshakeResponse struct {
	NodeID      string `json:"node_id"`
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Connectable bool   `json:"connectable"`
	PublicURL   string `json:"public_url"`
	PublicKey   string `json:"public_key"`
}

// JoinRequest is POST /peer/join-request's body: the joining node's public
// attributes.
type JoinRequest struct {
	NodeID      string `json:"node_id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	PublicURL   string `json:"public_url"`
	Connectable bool   `json:"connectable"`
	PublicKey   string `json:"public_key"`
}

// JoinResponse is returned by both join-request and join-status.
type JoinResponse struct {
	Status  string          `json:"status"` // pending | trusted | kicked
	Message string          `json:"message"`
	Nodes   trust.Document  `json:"nodes,omitempty"`
}

// SyncRequest is POST /peer/sync's body.
type SyncRequest struct {
	NodeID     string             `json:"node_id"`
	Since      int64              `json:"since"`
	Nodes      trust.Document     `json:"nodes"`
	States     nodestate.Document `json:"states"`
	Chat       chatdoc.Document   `json:"chat"`
	Snippets   snippet.Document   `json:"snippets"`
	SystemInfo map[string]any     `json:"system_info,omitempty"`
}

// SyncResponse is POST /peer/sync's body, delta-filtered by the request's
// since against the MERGED state (spec §4.5).
type SyncResponse struct {
	NodeID         string             `json:"node_id"`
	CurrentVersion int64              `json:"current_version"`
	Nodes          trust.Document     `json:"nodes"`
	States         nodestate.Document `json:"states"`
	Chat           chatdoc.Document   `json:"chat"`
	Snippets       snippet.Document   `json:"snippets"`
}

// TaskResult is one entry of a heartbeat's task_results.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Task is one entry of a heartbeat response's tasks.
type Task struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

// HeartbeatRequest is POST /peer/heartbeat's body.
type HeartbeatRequest struct {
	NodeID      string         `json:"node_id"`
	Mode        string         `json:"mode"`
	Since       int64          `json:"since"`
	SystemInfo  map[string]any `json:"system_info,omitempty"`
	TaskResults []TaskResult   `json:"task_results,omitempty"`
}

// HeartbeatResponse is POST /peer/heartbeat's body.
type HeartbeatResponse struct {
	Accepted       bool               `json:"accepted"`
	Nodes          trust.Document     `json:"nodes"`
	States         nodestate.Document `json:"states"`
	Chat           chatdoc.Document   `json:"chat"`
	Snippets       snippet.Document   `json:"snippets"`
	CurrentVersion int64              `json:"current_version"`
	Tasks          []Task             `json:"tasks,omitempty"`
}

// ChatPushRequest is POST /peer/chat-push's body.
type ChatPushRequest struct {
	NodeID  string          `json:"node_id"`
	Message chatdoc.Message `json:"message"`
}

// ChatPushResponse is POST /peer/chat-push's body.
type ChatPushResponse struct {
	OK bool `json:"ok"`
}

// TriggerSyncSummary is what a manual "trigger sync" call returns (spec §7).
type TriggerSyncSummary struct {
	Success     bool    `json:"success"`
	SyncedPeers int     `json:"synced_peers"`
	FailedPeers int     `json:"failed_peers"`
	TotalPeers  int     `json:"total_peers"`
	ElapsedSecs float64 `json:"elapsed"`
}

// ErrorBody is the {"error": message} shape every non-fatal RPC error
// returns (spec §7 — handlers never leak stack traces).
type ErrorBody struct {
	Error string `json:"error"`
}

// AdminActionRequest is the body of /admin/approve, /admin/reject and
// /admin/kick — meshctl's operator-facing equivalent of Registry.Approve,
// Reject and Kick.
type AdminActionRequest struct {
	NodeID string `json:"node_id"`
}

// AdminActionResponse confirms an admin action took effect.
type AdminActionResponse struct {
	OK     bool   `json:"ok"`
	NodeID string `json:"node_id"`
}

// ListNodesResponse is GET /admin/nodes's body.
type ListNodesResponse struct {
	Nodes trust.Document `json:"nodes"`
}
