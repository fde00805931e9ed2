package hotmart

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrPayloadMalformed marks a delivery whose body cannot be processed.
var ErrPayloadMalformed = errors.New("malformed webhook payload")

// Hotmart event names.
const (
	EventPurchaseApproved       = "PURCHASE_APPROVED"
	EventPurchaseComplete       = "PURCHASE_COMPLETE"
	EventPurchaseCanceled       = "PURCHASE_CANCELED"
	EventPurchaseRefunded       = "PURCHASE_REFUNDED"
	EventPurchaseChargeback     = "PURCHASE_CHARGEBACK"
	EventPurchaseProtest        = "PURCHASE_PROTEST"
	EventPurchaseExpired        = "PURCHASE_EXPIRED"
	EventPurchaseDelayed        = "PURCHASE_DELAYED"
	EventPurchaseBilletPrinted  = "PURCHASE_BILLET_PRINTED"
	EventSubscriptionCancelled  = "SUBSCRIPTION_CANCELLATION"
	EventSwitchPlan             = "SWITCH_PLAN"
	EventUpdateSubscriptionDate = "UPDATE_SUBSCRIPTION_CHARGE_DATE"
)

type Buyer struct {
	Email string `json:"email" validate:"required,email,max=200"`
	Name  string `json:"name" validate:"max=200"`
}

type Purchase struct {
	Transaction string `json:"transaction" validate:"required,max=191"`
	Status      string `json:"status"`
}

type Product struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type EventData struct {
	Buyer    Buyer    `json:"buyer"`
	Purchase Purchase `json:"purchase"`
	Product  Product  `json:"product"`
}

// Event is the subset of the Hotmart v2 webhook body this service reads.
type Event struct {
	ID           string    `json:"id"`
	CreationDate int64     `json:"creation_date"`
	Event        string    `json:"event" validate:"required,max=100"`
	Version      string    `json:"version"`
	Data         EventData `json:"data"`
}

var validate = validator.New()

// ParseEvent decodes a delivery. It only requires the event name; fields
// needed by a specific action are checked by ValidateForAction.
func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	ev.Event = strings.ToUpper(strings.TrimSpace(ev.Event))
	ev.Data.Buyer.Email = strings.ToLower(strings.TrimSpace(ev.Data.Buyer.Email))
	ev.Data.Buyer.Name = strings.TrimSpace(ev.Data.Buyer.Name)
	ev.Data.Purchase.Transaction = strings.TrimSpace(ev.Data.Purchase.Transaction)

	if err := validate.StructPartial(&ev, "Event"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	return &ev, nil
}

// ValidateForAction checks the buyer and purchase fields that allocation and
// release depend on.
func (e *Event) ValidateForAction(action Action) error {
	if action == ActionIgnore {
		return nil
	}
	if err := validate.Struct(&e.Data.Buyer); err != nil {
		return fmt.Errorf("%w: buyer: %v", ErrPayloadMalformed, err)
	}
	if err := validate.Struct(&e.Data.Purchase); err != nil {
		return fmt.Errorf("%w: purchase: %v", ErrPayloadMalformed, err)
	}
	return nil
}
