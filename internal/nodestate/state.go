// Package nodestate owns the `states` document: per-node liveness and the
// opaque system_info snapshot the Collector produces.
package nodestate

// Status values for Record.Status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Record is the wire/persisted shape of a NodeState (spec §3).
type Record struct {
	Status     Status          `json:"status"`
	LastSeen   int64           `json:"last_seen"`
	SystemInfo map[string]any  `json:"system_info,omitempty"`
	Version    uint64          `json:"version"`
}

// Document is the `states` Store document: node_id → Record.
type Document map[string]Record

// Merge merges a remote `states` delta into local: for each key, the entry
// with the greater last_seen wins. Idempotent, commutative, associative.
func Merge(local, remote Document) Document {
	out := make(Document, len(local))
	for k, v := range local {
		out[k] = v
	}
	for k, r := range remote {
		l, ok := out[k]
		if !ok || r.LastSeen > l.LastSeen {
			out[k] = r
		}
	}
	return out
}

// Delta returns the subset of doc whose last_seen is strictly greater than
// since — the filter SyncCursors applies before sending a `states` payload.
func Delta(doc Document, since int64) Document {
	out := make(Document)
	for k, r := range doc {
		if r.LastSeen > since {
			out[k] = r
		}
	}
	return out
}
