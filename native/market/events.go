package market

import (
	"strconv"
	"strings"

	"bazaar/core/types"
	"bazaar/crypto"
)

const (
	EventTypeItemListed    = "market.listed"
	EventTypeItemPurchased = "market.purchased"
	EventTypeItemDelivered = "market.delivered"
	EventTypeItemDisputed  = "market.disputed"
	EventTypeItemResolved  = "market.resolved"
)

// NewListedEvent returns the canonical event payload for a new listing.
func NewListedEvent(i *Item) *types.Event { return newItemEvent(EventTypeItemListed, i, "") }

// NewPurchasedEvent returns the canonical event payload emitted when an item
// is purchased and its price moves into custody.
func NewPurchasedEvent(i *Item) *types.Event { return newItemEvent(EventTypeItemPurchased, i, "") }

// NewDeliveredEvent returns the canonical event payload for a buyer-confirmed
// delivery.
func NewDeliveredEvent(i *Item) *types.Event { return newItemEvent(EventTypeItemDelivered, i, "") }

// NewDisputedEvent returns the canonical event payload emitted when the buyer
// raises a dispute.
func NewDisputedEvent(i *Item) *types.Event { return newItemEvent(EventTypeItemDisputed, i, "") }

// NewResolvedEvent returns the canonical event payload for an arbiter ruling.
// The outcome attribute is "release" or "refund".
func NewResolvedEvent(i *Item, outcome string) *types.Event {
	return newItemEvent(EventTypeItemResolved, i, outcome)
}

func newItemEvent(eventType string, i *Item, outcome string) *types.Event {
	attrs := make(map[string]string)
	if i == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized := i.Clone()
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["seller"] = crypto.NewAddress(sanitized.Seller).String()
	attrs["price"] = sanitized.Price.String()
	attrs["listedAt"] = strconv.FormatInt(sanitized.ListedAt, 10)
	if sanitized.Buyer != ([20]byte{}) {
		attrs["buyer"] = crypto.NewAddress(sanitized.Buyer).String()
	}
	if strings.TrimSpace(outcome) != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
