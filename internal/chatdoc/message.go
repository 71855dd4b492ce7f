// Package chatdoc owns the `chat` document: a capped, union-merged list of
// chat messages shared by every node in the mesh.
package chatdoc

import "sort"

// MaxMessages is the default cap applied after every merge (spec §3, §4.3).
// Merge uses it whenever its limit argument is zero or negative; callers
// may pass a different positive limit.
const MaxMessages = 500

// MaxContentLength is the cap on Message.Content (spec §3).
const MaxContentLength = 2000

// Message is the wire/persisted shape of a ChatMessage (spec §3).
type Message struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"client_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Document is the `chat` Store document: an ordered list of messages.
type Document []Message

// Merge unions local and remote by id, keeping at most one copy of each,
// orders the result by timestamp, and caps it to the newest limit messages.
// Idempotent, commutative, associative: the union-by-id step has all three
// properties, and capping to "newest N" commutes with further merges of
// already-capped inputs.
func Merge(local, remote Document, limit int) Document {
	if limit <= 0 {
		limit = MaxMessages
	}
	byID := make(map[string]Message, len(local)+len(remote))
	for _, m := range local {
		byID[m.ID] = m
	}
	for _, m := range remote {
		byID[m.ID] = m
	}

	out := make(Document, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Delta returns the messages newer than since.
func Delta(doc Document, since int64) Document {
	out := make(Document, 0)
	for _, m := range doc {
		if m.Timestamp > since {
			out = append(out, m)
		}
	}
	return out
}

// NewIDs returns the set of message ids present in after but not in
// before — used by SyncEngine to find messages a merge introduced so they
// can be handed to ChatHub.BroadcastMany.
func NewIDs(before, after Document) []Message {
	seen := make(map[string]bool, len(before))
	for _, m := range before {
		seen[m.ID] = true
	}
	var out []Message
	for _, m := range after {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
