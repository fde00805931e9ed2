package hotmart

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ciliosclick/ciliosclick/internal/pkg/provisioning"
)

// Action is what a delivery asks the allocator to do.
type Action string

const (
	ActionAllocate Action = "allocate"
	ActionRelease  Action = "release"
	ActionIgnore   Action = "ignore"
)

// Outcome is reported back to the provider and stored on the audit record.
type Outcome string

const (
	OutcomeAllocated       Outcome = "allocated"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeReleased        Outcome = "released"
	OutcomeAlreadyReleased Outcome = "already_released"
	OutcomeNotFound        Outcome = "not_found"
	OutcomePoolExhausted   Outcome = "pool_exhausted"
	OutcomeIgnored         Outcome = "ignored"
)

// ActionFor maps an event name onto the allow-list. Anything not listed is
// acknowledged without processing so the provider does not retry it.
func ActionFor(event string) Action {
	switch event {
	case EventPurchaseApproved, EventPurchaseComplete:
		return ActionAllocate
	case EventPurchaseCanceled, EventPurchaseRefunded, EventPurchaseChargeback:
		return ActionRelease
	default:
		return ActionIgnore
	}
}

// Provisioner is the allocator as seen by the router.
type Provisioner interface {
	Allocate(ctx context.Context, in provisioning.AllocateInput) (*provisioning.Allocation, error)
	Release(ctx context.Context, in provisioning.ReleaseInput) (*provisioning.Allocation, error)
}

// Result describes how a delivery was handled.
type Result struct {
	Action     Action                   `json:"action"`
	Outcome    Outcome                  `json:"outcome"`
	Allocation *provisioning.Allocation `json:"allocation,omitempty"`
	Warning    string                   `json:"warning,omitempty"`
}

// Fresh reports whether this delivery assigned an account for the first time.
func (r *Result) Fresh() bool {
	return r.Outcome == OutcomeAllocated
}

// Router dispatches parsed events to the provisioner.
type Router struct {
	provisioner Provisioner
}

func NewRouter(p Provisioner) *Router {
	return &Router{provisioner: p}
}

// Route runs the action for ev. Pool exhaustion and releases without a
// matching allocation are outcomes, not errors; the returned error is
// either ErrPayloadMalformed or an internal failure.
func (r *Router) Route(ctx context.Context, ev *Event) (*Result, error) {
	action := ActionFor(ev.Event)
	if err := ev.ValidateForAction(action); err != nil {
		return nil, err
	}

	switch action {
	case ActionAllocate:
		return r.allocate(ctx, ev)
	case ActionRelease:
		return r.release(ctx, ev)
	default:
		log.Infof("[Webhook] Ignoring event %s (id=%s)", ev.Event, ev.ID)
		return &Result{Action: ActionIgnore, Outcome: OutcomeIgnored}, nil
	}
}

func (r *Router) allocate(ctx context.Context, ev *Event) (*Result, error) {
	alloc, err := r.provisioner.Allocate(ctx, provisioning.AllocateInput{
		BuyerEmail:    ev.Data.Buyer.Email,
		BuyerName:     ev.Data.Buyer.Name,
		TransactionID: ev.Data.Purchase.Transaction,
		Event:         ev.Event,
		Note:          productNote(ev),
	})
	if err != nil {
		if errors.Is(err, provisioning.ErrPoolExhausted) {
			log.Errorf("[Webhook] POOL EXHAUSTED: no available account for transaction %s (%s)", ev.Data.Purchase.Transaction, ev.Data.Buyer.Email)
			return &Result{
				Action:  ActionAllocate,
				Outcome: OutcomePoolExhausted,
				Warning: "no pre-provisioned account available; provision more accounts",
			}, nil
		}
		return nil, fmt.Errorf("allocate %s: %w", ev.Data.Purchase.Transaction, err)
	}

	outcome := OutcomeAllocated
	if alloc.Duplicate {
		outcome = OutcomeDuplicate
	}
	return &Result{Action: ActionAllocate, Outcome: outcome, Allocation: alloc}, nil
}

func (r *Router) release(ctx context.Context, ev *Event) (*Result, error) {
	alloc, err := r.provisioner.Release(ctx, provisioning.ReleaseInput{
		BuyerEmail:    ev.Data.Buyer.Email,
		TransactionID: ev.Data.Purchase.Transaction,
		Event:         ev.Event,
	})
	if err != nil {
		if errors.Is(err, provisioning.ErrAllocationNotFound) {
			log.Warnf("[Webhook] %s for unknown transaction %s", ev.Event, ev.Data.Purchase.Transaction)
			return &Result{Action: ActionRelease, Outcome: OutcomeNotFound}, nil
		}
		return nil, fmt.Errorf("release %s: %w", ev.Data.Purchase.Transaction, err)
	}

	outcome := OutcomeReleased
	if alloc.Duplicate {
		outcome = OutcomeAlreadyReleased
	}
	return &Result{Action: ActionRelease, Outcome: outcome, Allocation: alloc}, nil
}

func productNote(ev *Event) string {
	if ev.Data.Product.Name == "" {
		return ""
	}
	return fmt.Sprintf("product %d: %s", ev.Data.Product.ID, ev.Data.Product.Name)
}
