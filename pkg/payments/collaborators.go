package payments

import (
	"context"
	"time"
)

// Gateway mints payment codes at the external payment gateway.
type Gateway interface {
	MintPaymentCode(ctx context.Context, request MintRequest, credential Credential) (PaymentCode, error)
}

// GatewayStatusChecker is implemented by gateways that can report a transaction's status.
type GatewayStatusChecker interface {
	CheckPayment(ctx context.Context, transactionID TransactionID, credential Credential) (RemoteStatus, error)
}

// CredentialSource reveals the gateway credential of a channel owner.
type CredentialSource interface {
	Reveal(ctx context.Context, ownerID OwnerID) (Credential, error)
}

// DeliveryNotifier pushes purchased media to the buyer.
type DeliveryNotifier interface {
	Deliver(ctx context.Context, buyerID BuyerID, contentID ContentID) error
}

// EventPublisher hands message-ready events to the chat wrapper.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// WatchLease ensures a single poller per transaction across instances.
type WatchLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// EventType enumerates message-ready events.
type EventType string

const (
	EventPurchaseConfirmed   EventType = "purchase_confirmed"
	EventInsufficientFunds   EventType = "insufficient_funds"
	EventPaymentCodeReady    EventType = "payment_code_ready"
	EventPaymentExpired      EventType = "payment_expired"
	EventPaymentCancelled    EventType = "payment_cancelled"
	EventPaymentFailed       EventType = "payment_failed"
	EventTopupConfirmed      EventType = "topup_confirmed"
	EventPendingContinuation EventType = "pending_continuation"
	EventDeliveryFailed      EventType = "delivery_failed"
)

// Event is a message-ready notification for the chat wrapper.
type Event struct {
	Type          EventType `json:"type"`
	BuyerID       string    `json:"buyer_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	ContentID     string    `json:"content_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	Balance       int64     `json:"balance,omitempty"`
	Shortfall     int64     `json:"shortfall,omitempty"`
	Code          string    `json:"code,omitempty"`
	CodeURL       string    `json:"code_url,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Affordable    bool      `json:"affordable,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
