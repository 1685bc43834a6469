package board

import "errors"

// Validation failures reported by Registry operations. None of them mutate
// state.
var (
	ErrAlreadyMember  = errors.New("already a member")
	ErrNotMember      = errors.New("not a member")
	ErrNotBoardMember = errors.New("not a member of the public board")
	ErrInvalidGroup   = errors.New("invalid group")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidID      = errors.New("invalid message id")
)
