// Package billing decides when command credits are charged and refunded.
// The ledger itself lives in the store; this bridge only encodes the policy:
// charge once at creation, refund only on operator reject. Expiry and failed
// execution keep the charge, since classification and queueing work already
// happened.
package billing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"command_relay/core-go/internal/sqlcgen"
)

// ErrInsufficientCredits means the user's balance cannot cover the
// per-command cost.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// Ledger is the slice of the store the bridge needs. *sqlcgen.Queries
// satisfies it.
type Ledger interface {
	DebitCredits(ctx context.Context, arg sqlcgen.DebitCreditsParams) (int32, error)
	CreditCredits(ctx context.Context, arg sqlcgen.CreditCreditsParams) (int32, error)
	GetCreditBalance(ctx context.Context, userID string) (int32, error)
}

type Bridge struct {
	ledger Ledger
	cost   int32
}

func New(ledger Ledger, costPerCommand int32) *Bridge {
	if costPerCommand < 0 {
		costPerCommand = 0
	}
	return &Bridge{ledger: ledger, cost: costPerCommand}
}

// Cost is the fixed per-command charge.
func (b *Bridge) Cost() int32 {
	return b.cost
}

// Charge debits the per-command cost and returns the amount taken. The
// debit is a single conditional UPDATE, so concurrent commands for the same
// user never lose updates.
func (b *Bridge) Charge(ctx context.Context, userID string) (int32, error) {
	if b.cost == 0 {
		return 0, nil
	}
	_, err := b.ledger.DebitCredits(ctx, sqlcgen.DebitCreditsParams{UserID: userID, Amount: b.cost})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	return b.cost, nil
}

// Refund credits back exactly the amount previously charged for one command.
func (b *Bridge) Refund(ctx context.Context, userID string, amount int32) error {
	if amount <= 0 {
		return nil
	}
	_, err := b.ledger.CreditCredits(ctx, sqlcgen.CreditCreditsParams{UserID: userID, Amount: amount})
	return err
}

// TopUp adds credits to the user's balance, creating the ledger row if it
// does not exist yet, and returns the new balance.
func (b *Bridge) TopUp(ctx context.Context, userID string, amount int32) (int32, error) {
	if amount <= 0 {
		return 0, errors.New("billing: top-up amount must be positive")
	}
	return b.ledger.CreditCredits(ctx, sqlcgen.CreditCreditsParams{UserID: userID, Amount: amount})
}

// Balance reads the user's current credit balance; a user with no ledger row
// has zero credits.
func (b *Bridge) Balance(ctx context.Context, userID string) (int32, error) {
	balance, err := b.ledger.GetCreditBalance(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
