// Package trust owns the `nodes` document and the merge rules that let
// approvals and kicks propagate through gossip without any coordinator.
//
// This is the logical descendant of a plain membership list (join/leave),
// generalized into a join/approve/kick state machine whose merge function
// must be commutative, associative, and idempotent — see MergeNodes.
package trust

import (
	"fmt"
	"time"

	"github.com/meshnode/meshnode/internal/identity"
)

// Record is the wire/persisted shape of a NodeRecord (spec §3).
type Record struct {
	NodeID        string               `json:"node_id"`
	Name          string               `json:"name"`
	Mode          identity.Mode        `json:"mode"`
	Connectable   bool                 `json:"connectable"`
	Host          string               `json:"host"`
	Port          int                  `json:"port"`
	PublicURL     string               `json:"public_url"`
	RegisteredAt  int64                `json:"registered_at"`
	PublicKey     string               `json:"public_key"`
	TrustStatus   identity.TrustStatus `json:"trust_status"`
	KickedAt      int64                `json:"kicked_at,omitempty"`
}

// Document is the `nodes` Store document: node_id → Record.
type Document map[string]Record

// Delta returns the subset of doc whose registered_at is strictly greater
// than since — the filter applied to a `nodes` payload before it goes out
// over sync/heartbeat/trigger-sync (spec §4.5, §8 "Delta correctness").
func Delta(doc Document, since int64) Document {
	out := make(Document)
	for k, r := range doc {
		if r.RegisteredAt > since {
			out[k] = r
		}
	}
	return out
}

// Registry is the logical view over Document plus the local node_id,
// needed so operations like Approve can refuse to touch the self record.
type Registry struct {
	selfID string
	now    func() time.Time
}

// New creates a Registry scoped to the local node's identity.
func New(selfID string) *Registry {
	return &Registry{selfID: selfID, now: time.Now}
}

// ─── Local operator operations (spec §4.3) ──────────────────────────────────

// Approve transitions a pending record to trusted. Only valid on a pending
// record; any other trust status is an InvariantViolation.
func (r *Registry) Approve(doc Document, nodeID string) error {
	rec, ok := doc[nodeID]
	if !ok {
		return fmt.Errorf("%w: unknown node %s", ErrInvariant, nodeID)
	}
	if rec.TrustStatus != identity.TrustPending {
		return fmt.Errorf("%w: %s is not pending", ErrInvariant, nodeID)
	}
	rec.TrustStatus = identity.TrustTrusted
	rec.RegisteredAt = r.now().Unix()
	doc[nodeID] = rec
	return nil
}

// Reject removes a pending record. Only valid on a pending record.
func (r *Registry) Reject(doc Document, nodeID string) error {
	rec, ok := doc[nodeID]
	if !ok {
		return fmt.Errorf("%w: unknown node %s", ErrInvariant, nodeID)
	}
	if rec.TrustStatus != identity.TrustPending {
		return fmt.Errorf("%w: %s is not pending", ErrInvariant, nodeID)
	}
	delete(doc, nodeID)
	return nil
}

// Kick marks a trusted record kicked. kicked is absorbing: once set, no
// merge can move the record back to trusted or pending (see MergeNodes).
func (r *Registry) Kick(doc Document, nodeID string) error {
	if nodeID == r.selfID {
		return fmt.Errorf("%w: cannot kick self", ErrInvariant)
	}
	rec, ok := doc[nodeID]
	if !ok {
		return fmt.Errorf("%w: unknown node %s", ErrInvariant, nodeID)
	}
	if rec.TrustStatus != identity.TrustTrusted {
		return fmt.Errorf("%w: %s is not trusted", ErrInvariant, nodeID)
	}
	now := r.now().Unix()
	rec.TrustStatus = identity.TrustKicked
	rec.KickedAt = now
	rec.RegisteredAt = now
	doc[nodeID] = rec
	return nil
}

// LocalDelete removes any non-self record without propagating the removal.
func (r *Registry) LocalDelete(doc Document, nodeID string) error {
	if nodeID == r.selfID {
		return fmt.Errorf("%w: cannot delete self", ErrInvariant)
	}
	delete(doc, nodeID)
	return nil
}

// ─── Discovery (spec §4.6) ──────────────────────────────────────────────────

// DiscoverTrustedConnectablePeers filters doc for trusted, connectable,
// full-capability peers other than self — the target pool for Gossip and
// ActiveSync.
func DiscoverTrustedConnectablePeers(doc Document, selfID string) []Record {
	var out []Record
	for id, rec := range doc {
		if id == selfID {
			continue
		}
		if rec.TrustStatus != identity.TrustTrusted || !rec.Connectable {
			continue
		}
		if rec.Mode != identity.ModeFull && rec.Mode != identity.ModeTempFull {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ─── Merge (spec §4.3) ───────────────────────────────────────────────────────

// MergeNodes merges a remote `nodes` delta into local, applying spec §4.3's
// ordered rules per key. It returns a new Document; the caller is
// responsible for persisting it via docstore.Update so the merge happens
// under the document's exclusive lock.
//
// The merge is commutative, associative, and idempotent: merge(x,x)=x, and
// applying the same remote delta twice, or merging two remote deltas in
// either order, converges to the same result.
func MergeNodes(local Document, remote Document, selfID string) Document {
	out := make(Document, len(local))
	for k, v := range local {
		out[k] = v
	}

	for k, r := range remote {
		if k == selfID {
			// Never let remote data describe — let alone overwrite — our
			// own self record.
			continue
		}
		l, hasLocal := out[k]

		out[k] = mergeOne(l, hasLocal, r)
	}
	return out
}

func mergeOne(l Record, hasLocal bool, r Record) Record {
	// Rule 4: a remote node describing itself as "self" is trusted from our
	// point of view.
	if r.TrustStatus == identity.TrustSelf {
		r.TrustStatus = identity.TrustTrusted
	}

	// Rule 1: kicked is absorbing — whichever side has the greater
	// kicked_at wins, and the result stays kicked.
	if r.TrustStatus == identity.TrustKicked {
		if !hasLocal || r.KickedAt >= l.KickedAt {
			return r
		}
		return l
	}
	if hasLocal && l.TrustStatus == identity.TrustKicked {
		// Rule 2: local kicked wins regardless of what remote says, unless
		// remote is itself a newer kick (handled above).
		return l
	}

	// Rule 3: approval propagation — a trusted remote record adopts over
	// an absent or still-pending/waiting local record.
	if r.TrustStatus == identity.TrustTrusted {
		if !hasLocal || l.TrustStatus == identity.TrustPending || l.TrustStatus == identity.TrustWaitingApproval {
			return r
		}
	}

	if !hasLocal {
		return r
	}

	// Rule 5: newer registered_at wins, but never let it downgrade an
	// already-trusted local record's trust_status.
	if r.RegisteredAt > l.RegisteredAt {
		if l.TrustStatus == identity.TrustTrusted && r.TrustStatus != identity.TrustTrusted {
			merged := r
			merged.TrustStatus = l.TrustStatus
			return merged
		}
		return r
	}
	return l
}
