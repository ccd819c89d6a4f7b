// Package accounts defines the narrow contract the scheduler uses to
// reserve, debit, and refund monetary credits against a client's account.
// The implementation is an external collaborator (spec §1) — this package
// names the interface, a thin-interface-over-repository pattern consistent
// with the rest of this codebase, plus InMemoryGateway, a deterministic
// in-memory stub (static.go).
package accounts

import (
	"context"
	"errors"

	"github.com/fluxmesh/orchestrator/internal/orcherr"
)

// ErrInsufficientFunds is returned by Reserve when the hold cannot be made;
// the Job Queue surfaces this to the submitter as orcherr.KindInsufficientFunds.
var ErrInsufficientFunds = orcherr.New(orcherr.KindInsufficientFunds, "insufficient funds")

// ErrOverDebit is returned by Debit when actualCents exceeds the reserved
// amount. Not one of the observable scheduler error kinds — it is recorded
// as a deployment-level cost discrepancy, not propagated to the submitter.
var ErrOverDebit = errors.New("accounts: debit exceeds reserved amount")

// Gateway wraps credit reservation for a client+job. Every Reserve must
// eventually be followed by exactly one Debit or Refund (spec §4.5 invariant).
type Gateway interface {
	// Reserve holds cents of currency against accountID, returning an opaque
	// reservation-id. Returns ErrInsufficientFunds if the hold cannot be made.
	Reserve(ctx context.Context, accountID string, cents int64, currency string) (reservationID string, err error)

	// Debit settles a reservation for the actual cost incurred. If
	// actualCents exceeds the reserved amount, it returns ErrOverDebit but
	// still reduces the balance by only the originally reserved amount —
	// callers must record the discrepancy themselves.
	Debit(ctx context.Context, reservationID string, actualCents int64) (remainingBalanceCents int64, err error)

	// Refund releases a reservation in full, used on cancel, timeout, or
	// worker loss.
	Refund(ctx context.Context, reservationID string) error
}
