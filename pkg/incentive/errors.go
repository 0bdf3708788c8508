// Package incentive defines the shared contract and error vocabulary
// consumed by both incentive-mechanism implementations (stakeable and
// market) and by the Collaborative Trainer that routes to them. Grounded
// on the teacher's plain errors.New/fmt.Errorf convention (chain/types,
// chain/node), generalized into a typed reject/fatal split because the
// spec explicitly calls for an error sum type distinguishing recoverable
// rejects from programmer-fatal errors (spec.md §7, §9).
package incentive

import "fmt"

// Kind enumerates the reject-error categories from spec.md §7.
type Kind int

const (
	ErrDuplicateKey Kind = iota
	ErrAuthorshipMismatch
	ErrInsufficientStake
	ErrTemporalGate
	ErrModelDisagreement
	ErrAlreadyClaimed
	ErrPhaseViolation
	ErrCommitmentMismatch
	ErrExhausted
)

func (k Kind) String() string {
	switch k {
	case ErrDuplicateKey:
		return "duplicate_key"
	case ErrAuthorshipMismatch:
		return "authorship_mismatch"
	case ErrInsufficientStake:
		return "insufficient_stake"
	case ErrTemporalGate:
		return "temporal_gate"
	case ErrModelDisagreement:
		return "model_disagreement"
	case ErrAlreadyClaimed:
		return "already_claimed"
	case ErrPhaseViolation:
		return "phase_violation"
	case ErrCommitmentMismatch:
		return "commitment_mismatch"
	case ErrExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// RejectError is a recoverable rejection: every check in spec.md §7 raises
// one of these. The driver logs and continues; no RejectError is fatal.
type RejectError struct {
	Kind   Kind
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rejected: %s", e.Kind)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Kind, e.Detail)
}

// Reject constructs a RejectError.
func Reject(kind Kind, detail string) error {
	return &RejectError{Kind: kind, Detail: detail}
}

// IsReject reports whether err is a RejectError of any kind, returning it
// when it is. It does not unwrap wrapped errors; callers needing that should
// use errors.As.
func IsReject(err error) (*RejectError, bool) {
	re, ok := err.(*RejectError)
	return re, ok
}

// FatalError marks a programmer error — e.g. re-initializing a market that
// already exists — as distinct from a participant-triggered reject.
type FatalError struct{ Detail string }

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s", e.Detail) }

// Fatal constructs a FatalError.
func Fatal(detail string) error { return &FatalError{Detail: detail} }
