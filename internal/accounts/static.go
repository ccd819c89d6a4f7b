package accounts

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InMemoryGateway is a deterministic in-memory stub of Gateway: balances
// live in a map, reservations are tracked until Debit or Refund retires
// them. Suitable for tests and single-process deployments with no real
// billing backend — the accounts service itself stays an external
// collaborator (spec §1).
type InMemoryGateway struct {
	mu           sync.Mutex
	balances     map[string]int64 // accountID -> available cents
	reservations map[string]reservation
}

type reservation struct {
	accountID string
	cents     int64
}

// NewInMemoryGateway builds a gateway seeded with the given starting
// balances (accountID -> cents). Accounts not present default to a zero
// balance and will fail every Reserve.
func NewInMemoryGateway(balances map[string]int64) *InMemoryGateway {
	seeded := make(map[string]int64, len(balances))
	for account, cents := range balances {
		seeded[account] = cents
	}
	return &InMemoryGateway{
		balances:     seeded,
		reservations: make(map[string]reservation),
	}
}

// Reserve implements Gateway.
func (g *InMemoryGateway) Reserve(_ context.Context, accountID string, cents int64, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.balances[accountID] < cents {
		return "", ErrInsufficientFunds
	}
	g.balances[accountID] -= cents

	reservationID := uuid.NewString()
	g.reservations[reservationID] = reservation{accountID: accountID, cents: cents}
	return reservationID, nil
}

// Debit implements Gateway.
func (g *InMemoryGateway) Debit(_ context.Context, reservationID string, actualCents int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reservations[reservationID]
	if !ok {
		return 0, fmt.Errorf("accounts: unknown reservation %q", reservationID)
	}
	delete(g.reservations, reservationID)

	if actualCents > r.cents {
		g.balances[r.accountID] += 0 // the full reservation was already consumed
		return g.balances[r.accountID], ErrOverDebit
	}

	refund := r.cents - actualCents
	g.balances[r.accountID] += refund
	return g.balances[r.accountID], nil
}

// Refund implements Gateway.
func (g *InMemoryGateway) Refund(_ context.Context, reservationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reservations[reservationID]
	if !ok {
		return fmt.Errorf("accounts: unknown reservation %q", reservationID)
	}
	delete(g.reservations, reservationID)
	g.balances[r.accountID] += r.cents
	return nil
}
