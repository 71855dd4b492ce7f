package nodestate

import "sync/atomic"

// Counter hands out a strictly increasing version number for this node's
// own NodeState.version field — "locally monotonic per node" per spec §3.
//
// This is the same increment-your-own-counter idiom the teacher's
// vector clock used per write (VectorClock.Increment), shrunk to the single
// counter this spec actually needs: NodeState carries no cross-node
// causality, only a local monotonic version bumped by SelfState.
type Counter struct {
	n atomic.Uint64
}

// Next returns the next version number, starting at 1.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}
