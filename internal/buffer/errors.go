package buffer

import "golang.org/x/xerrors"

// Non-fatal, expected failures (spec §7): callers can retry, report to a
// user, or choose a different course of action. These are distinct from
// dardefs.FatalError, which signals corruption or a broken invariant.
var (
	// ErrFull is returned by Allocate when no physical slot remains to
	// eventually back a new logical block.
	ErrFull = xerrors.New("buffer: no free space")

	// ErrHiddenParity is returned by Allocate(Hidden) when granting the
	// request would push hidden_allocated above cover_allocated,
	// violating invariant 1 (spec §3/§6).
	ErrHiddenParity = xerrors.New("buffer: allocating a hidden block here would exceed cover capacity")

	// ErrNoHidden is returned when a hidden-aspect operation is attempted
	// on a Buffer opened without hidden support (NoHidden).
	ErrNoHidden = xerrors.New("buffer: this mount has no hidden aspect")
)
