package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oggyb/match-credits/internal/db"
	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/ledger"
	"github.com/oggyb/match-credits/internal/settings"
	"github.com/oggyb/match-credits/internal/store"
)

// IntentReference is the reference_type carried by ledger entries that
// belong to a purchase intent.
const IntentReference = "purchase_intent"

const reconcileBatch = 100

// Credits is the slice of the ledger the purchase saga needs.
type Credits interface {
	Add(ctx context.Context, req ledger.AddRequest) (bool, error)
	Consume(ctx context.Context, req ledger.ConsumeRequest) (bool, error)
}

// DebitLookup finds ledger entries by what caused them.
type DebitLookup interface {
	FindByReference(ctx context.Context, referenceType, referenceID string) ([]db.CreditTransaction, error)
}

// PurchaseResult is the outcome of one paid match request.
type PurchaseResult struct {
	IntentID string
	Cost     int64
	Granted  bool
	Match    *db.MatchRecord
	// Declined explains a non-granted purchase, e.g. ErrInsufficientCredits.
	Declined error
}

// ReconcileReport counts what one Reconcile pass did.
type ReconcileReport struct {
	Completed int
	Cancelled int
	Failed    int
}

// Purchaser runs the paid match saga:
//
//	pending --debit--> debited --grant--> completed
//	pending --no debit--> cancelled
//
// The intent row is written before the debit, so a crash at any step
// leaves a trail Reconcile can finish.
type Purchaser struct {
	engine   *Engine
	intents  store.IntentStore
	credits  Credits
	debits   DebitLookup
	settings settings.Provider
}

func NewPurchaser(engine *Engine, intents store.IntentStore, credits Credits, debits DebitLookup, provider settings.Provider) *Purchaser {
	return &Purchaser{
		engine:   engine,
		intents:  intents,
		credits:  credits,
		debits:   debits,
		settings: provider,
	}
}

// PurchasePaidMatch debits the configured match price and grants a PAID
// match for candidateID. Insufficient credits is a declined result, not an
// error.
func (p *Purchaser) PurchasePaidMatch(ctx context.Context, userID, candidateID string) (PurchaseResult, error) {
	if err := requireID("user_id", userID); err != nil {
		return PurchaseResult{}, err
	}
	if err := requireID("candidate_id", candidateID); err != nil {
		return PurchaseResult{}, err
	}

	cfg, err := p.settings.MatchConfig(ctx)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("load match config: %w", err)
	}
	cost := max(cfg.CostPerMatch, 0)

	intent := &db.PurchaseIntent{
		ID:           uuid.NewString(),
		UserID:       userID,
		SubAccountID: candidateID,
		Cost:         cost,
		Status:       db.IntentPending,
	}
	if err := p.intents.Create(ctx, intent); err != nil {
		return PurchaseResult{}, err
	}
	res := PurchaseResult{IntentID: intent.ID, Cost: cost}
	log := p.engine.log.With("intent_id", intent.ID, "user_id", userID)

	if cost > 0 {
		ok, err := p.credits.Consume(ctx, ledger.ConsumeRequest{
			UserID:        userID,
			Amount:        cost,
			Reason:        db.ReasonMatchConsumption,
			ReferenceID:   intent.ID,
			ReferenceType: IntentReference,
			Description:   "Paid match",
		})
		if err != nil {
			// Validation and contention roll back fully, so nothing was
			// debited. Anything else is left pending for Reconcile.
			if apperrors.IsValidation(err) || apperrors.IsRetryable(err) {
				p.cancel(ctx, intent.ID, err.Error())
			}
			return res, err
		}
		if !ok {
			p.cancel(ctx, intent.ID, apperrors.ErrInsufficientCredits.Error())
			res.Declined = apperrors.ErrInsufficientCredits
			log.Info("paid match declined", "cost", cost)
			return res, nil
		}
	}

	moved, err := p.intents.Transition(ctx, intent.ID, db.IntentPending, db.IntentDebited, nil, "")
	if err != nil {
		return res, err
	}
	if !moved {
		// Reconcile got to the intent while the debit was in flight. It either
		// cancelled it (no debit visible yet) or finished it from the debit.
		current, err := p.intents.Get(ctx, intent.ID)
		if err != nil {
			return res, err
		}
		switch current.Status {
		case db.IntentCancelled:
			if err := p.refund(ctx, intent); err != nil {
				return res, err
			}
			res.Declined = errors.New("purchase was cancelled")
			return res, nil
		case db.IntentDebited, db.IntentCompleted:
			log.Info("purchase finished by reconcile", "status", current.Status)
		default:
			return res, fmt.Errorf("intent %s left in status %s", intent.ID, current.Status)
		}
	}

	m, err := p.complete(ctx, intent)
	if err != nil {
		log.Error("paid match grant failed after debit", "err", err)
		return res, err
	}
	res.Granted = true
	res.Match = m
	return res, nil
}

// complete grants the match for a debited intent and marks it completed.
// The match id equals the intent id, so a repeated call finds the record
// instead of granting twice.
func (p *Purchaser) complete(ctx context.Context, intent *db.PurchaseIntent) (*db.MatchRecord, error) {
	m, err := p.engine.matches.Get(ctx, intent.ID)
	if errors.Is(err, store.ErrNotFound) {
		m, err = p.engine.grantPaid(ctx, intent.ID, intent.UserID, intent.SubAccountID, intent.Cost)
	}
	if err != nil {
		return nil, err
	}

	if _, err := p.intents.Transition(ctx, intent.ID, db.IntentDebited, db.IntentCompleted, &m.ID, ""); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Purchaser) cancel(ctx context.Context, intentID, note string) {
	if _, err := p.intents.Transition(ctx, intentID, db.IntentPending, db.IntentCancelled, nil, note); err != nil {
		p.engine.log.Warn("failed to cancel purchase intent", "intent_id", intentID, "err", err)
	}
}

func (p *Purchaser) refund(ctx context.Context, intent *db.PurchaseIntent) error {
	if intent.Cost == 0 {
		return nil
	}
	_, err := p.credits.Add(ctx, ledger.AddRequest{
		UserID:        intent.UserID,
		Amount:        intent.Cost,
		Reason:        db.ReasonRefundCancelledChat,
		ReferenceID:   intent.ID,
		ReferenceType: IntentReference,
		Description:   "Refund for cancelled paid match",
	})
	if err != nil {
		return fmt.Errorf("refund intent %s: %w", intent.ID, err)
	}
	p.engine.log.Warn("refunded cancelled purchase", "intent_id", intent.ID, "user_id", intent.UserID, "amount", intent.Cost)
	return nil
}

// Reconcile finishes intents untouched for longer than olderThan.
//
// Pending intents with a recorded debit advance and complete; pending
// intents without one are cancelled. Debited intents get their match.
func (p *Purchaser) Reconcile(ctx context.Context, olderThan time.Duration) (ReconcileReport, error) {
	cutoff := p.engine.Now().Add(-olderThan)
	var rep ReconcileReport

	pending, err := p.intents.ListStale(ctx, db.IntentPending, cutoff, reconcileBatch)
	if err != nil {
		return rep, err
	}
	for i := range pending {
		intent := &pending[i]
		debits, err := p.debits.FindByReference(ctx, IntentReference, intent.ID)
		if err != nil {
			rep.Failed++
			continue
		}
		if len(debits) == 0 && intent.Cost > 0 {
			moved, err := p.intents.Transition(ctx, intent.ID, db.IntentPending, db.IntentCancelled, nil, "no debit recorded")
			if err != nil {
				rep.Failed++
			} else if moved {
				rep.Cancelled++
			}
			continue
		}
		moved, err := p.intents.Transition(ctx, intent.ID, db.IntentPending, db.IntentDebited, nil, "reconciled")
		if err != nil || !moved {
			if err != nil {
				rep.Failed++
			}
			continue
		}
		if _, err := p.complete(ctx, intent); err != nil {
			rep.Failed++
			continue
		}
		rep.Completed++
	}

	debited, err := p.intents.ListStale(ctx, db.IntentDebited, cutoff, reconcileBatch)
	if err != nil {
		return rep, err
	}
	for i := range debited {
		if _, err := p.complete(ctx, &debited[i]); err != nil {
			rep.Failed++
			continue
		}
		rep.Completed++
	}

	if rep != (ReconcileReport{}) {
		p.engine.log.Info("purchase intents reconciled",
			"completed", rep.Completed,
			"cancelled", rep.Cancelled,
			"failed", rep.Failed,
		)
	}
	return rep, nil
}
