package mpt

import "errors"

// Violation classes. A witness either satisfies every constraint or it does
// not; these errors name the class of the first violated constraint so tests
// and callers can tell a malformed proof from a generator bug. There is no
// recoverable subset: any of them means the proof cannot be constructed.
var (
	// ErrMalformedFlags: a structure flag is outside {0,1}, or a flag pair
	// is impossible in its context (e.g. a drifted leaf claiming one_nibble).
	ErrMalformedFlags = errors.New("mpt: malformed structure flags")
	// ErrRLPPrefix: an expected RLP or hex-prefix marker byte (248, 32, ...)
	// is absent for the claimed encoding case.
	ErrRLPPrefix = errors.New("mpt: unexpected RLP prefix")
	// ErrKeyContinuity: a recomputed key RLC disagrees with the stored value.
	ErrKeyContinuity = errors.New("mpt: key RLC mismatch")
	// ErrNibbleCount: the nibbles consumed along a path do not total 64.
	ErrNibbleCount = errors.New("mpt: nibble count is not 64")
	// ErrBranchInvariant: a per-branch structural invariant failed (S/C
	// divergence outside the modified child, length bookkeeping, placeholder
	// sibling shape, counter increment).
	ErrBranchInvariant = errors.New("mpt: branch invariant violated")
	// ErrHashLinkage: a node hash is not the recorded child of its parent.
	ErrHashLinkage = errors.New("mpt: hash linkage failure")
)
