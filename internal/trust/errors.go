package trust

import "errors"

// ErrInvariant is the taxonomy-level error (spec §7) for operator actions
// that violate a state-machine invariant: approving/rejecting a non-pending
// record, kicking a non-trusted record, or targeting self.
var ErrInvariant = errors.New("invariant violation")
