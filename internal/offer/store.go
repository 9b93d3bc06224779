// Package offer is the Offer Manager of spec §4.E, the dispatch core.
// It creates offers, fans them out, arbitrates first-accept-wins, and
// expires offers deterministically.
package offer

import (
	"context"

	"github.com/example/ridedispatch/internal/models"
)

// AcceptResult is the outcome of a TryAccept call.
type AcceptResult struct {
	Won   bool
	Offer models.Offer
}

// Store is the persistence contract for offers. The one must-be-atomic
// primitive is TryAccept (spec §4.E step 2, §5): exactly one caller
// observes Won=true for a given offer, no matter how many call it
// concurrently (spec P1/I3).
type Store interface {
	Create(ctx context.Context, o models.Offer) error
	Get(ctx context.Context, offerID string) (models.Offer, bool, error)
	TryAccept(ctx context.Context, offerID, driverID string) (AcceptResult, error)
	RemoveRecipient(ctx context.Context, offerID, driverID string) error
	// Expire transitions OPEN->EXPIRED if the offer is still OPEN.
	// expired=false means either the offer was already terminal or
	// absent; callers use this to emit ride:request:expired exactly
	// once (spec P2).
	Expire(ctx context.Context, offerID string) (expired bool, o models.Offer, err error)
	Cancel(ctx context.Context, offerID, riderID string) (cancelled bool, o models.Offer, err error)
}
