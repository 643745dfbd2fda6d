// Package fault defines the error taxonomy shared by every pot-engine
// operation. Each fault carries a kind the HTTP layer maps to a status,
// and — for liquidity faults — the maximum satisfiable amount so callers
// can retry meaningfully instead of guessing.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault per the engine's error taxonomy.
type Kind int

const (
	// Validation: bad address, non-positive amount, amount below dust.
	// Recoverable, no state mutated.
	Validation Kind = iota

	// NotFound: missing pot, user, membership, or asset.
	NotFound

	// Authorization: caller lacks the role the action requires.
	Authorization

	// Concurrency: trade lock held by another actor; retry later.
	Concurrency

	// Liquidity: insufficient balance for the requested amount, including
	// the fee-reserve floor. Carries the maximum satisfiable amount.
	Liquidity

	// External: quote/execute/price/chain failure. Recoverable by
	// user-initiated retry only; never auto-retried for swap submission.
	External

	// Critical: revoke-delegate failure after a swap attempt. A live
	// spend authorization may remain on the vault; must be escalated.
	Critical
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Authorization:
		return "authorization"
	case Concurrency:
		return "concurrency"
	case Liquidity:
		return "liquidity"
	case External:
		return "external"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Fault is a classified error with a user-safe message.
type Fault struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil

	// MaxAmount and MaxShares are set on Liquidity faults: the largest
	// amount (smallest units) and share count the operation could have
	// satisfied given current balances and the fee reserve.
	MaxAmount uint64
	MaxShares uint64
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Liquidityf creates a liquidity fault carrying the maximum satisfiable
// amount and share count (either may be zero when not applicable).
func Liquidityf(maxAmount, maxShares uint64, format string, args ...any) *Fault {
	return &Fault{
		Kind:      Liquidity,
		Message:   fmt.Sprintf(format, args...),
		MaxAmount: maxAmount,
		MaxShares: maxShares,
	}
}

// KindOf returns the fault kind of err, or ok=false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Get returns the underlying *Fault, or nil.
func Get(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}
