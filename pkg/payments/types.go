package payments

import (
	"fmt"
	"strings"
	"time"
)

// Amount is an integer amount in minor currency units.
type Amount int64

// Int64 returns the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// BuyerID identifies the chat user paying for content.
type BuyerID struct {
	value string
}

// ChannelID identifies a creator channel; balances are scoped per channel.
type ChannelID struct {
	value string
}

// ContentID identifies a purchasable media item.
type ContentID struct {
	value string
}

// OwnerID identifies a channel owner holding a gateway credential.
type OwnerID struct {
	value string
}

// TransactionID is the externally visible payment transaction identifier.
type TransactionID struct {
	value string
}

// NewBuyerID validates and normalizes a buyer id.
func NewBuyerID(raw string) (BuyerID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidBuyerID)
	if err != nil {
		return BuyerID{}, err
	}
	return BuyerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BuyerID) String() string {
	return id.value
}

// NewChannelID validates and normalizes a channel id.
func NewChannelID(raw string) (ChannelID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidChannelID)
	if err != nil {
		return ChannelID{}, err
	}
	return ChannelID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ChannelID) String() string {
	return id.value
}

// NewContentID validates and normalizes a content id.
func NewContentID(raw string) (ContentID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidContentID)
	if err != nil {
		return ContentID{}, err
	}
	return ContentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ContentID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ContentID) IsZero() bool {
	return id.value == ""
}

// NewOwnerID validates and normalizes a channel owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidOwnerID)
	if err != nil {
		return OwnerID{}, err
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidTransactionID)
	if err != nil {
		return TransactionID{}, err
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

func normalizeIdentifier(raw string, kind error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", kind)
	}
	return trimmed, nil
}

// Purpose distinguishes what a payment transaction pays for.
type Purpose string

const (
	PurposeContentPurchase Purpose = "content_purchase"
	PurposeBalanceTopup    Purpose = "balance_topup"
)

// ParsePurpose validates a stored purpose value.
func ParsePurpose(raw string) (Purpose, error) {
	switch Purpose(raw) {
	case PurposeContentPurchase, PurposeBalanceTopup:
		return Purpose(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, raw)
	}
}

// String returns the stored representation.
func (purpose Purpose) String() string {
	return string(purpose)
}

// Method is the payment instrument used by a transaction.
type Method string

const (
	MethodBalance     Method = "balance"
	MethodGatewayCode Method = "gateway_code"
)

// ParseMethod validates a stored method value.
func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case MethodBalance, MethodGatewayCode:
		return Method(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, raw)
	}
}

// String returns the stored representation.
func (method Method) String() string {
	return string(method)
}

// Status is the payment transaction lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusPaid, StatusExpired, StatusCancelled, StatusFailed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no further transitions are allowed.
func (status Status) Terminal() bool {
	return status != StatusPending
}

// PaymentTransaction is one externally identified attempt to move money.
type PaymentTransaction struct {
	ID               TransactionID
	BuyerID          BuyerID
	ContentID        ContentID
	PendingContentID ContentID
	ChannelID        ChannelID
	Amount           Amount
	Purpose          Purpose
	Method           Method
	Status           Status
	ExpiresAt        time.Time
	GatewayCode      string
	GatewayURL       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the deadline has passed at the given instant.
func (transaction PaymentTransaction) Expired(at time.Time) bool {
	if transaction.ExpiresAt.IsZero() {
		return false
	}
	return at.After(transaction.ExpiresAt)
}

// ChannelBalance is the ledger row for one (buyer, channel) pair.
type ChannelBalance struct {
	BuyerID     BuyerID
	ChannelID   ChannelID
	Balance     Amount
	TotalTopup  Amount
	TotalSpent  Amount
	LastTopupAt time.Time
}

// ContentGrant is a durable entitlement of a buyer to a content item.
type ContentGrant struct {
	BuyerID       BuyerID
	ContentID     ContentID
	Amount        Amount
	TransactionID TransactionID
	GrantedAt     time.Time
}

// PurchaseRecord is one line of purchase history.
type PurchaseRecord struct {
	BuyerID       BuyerID
	ContentID     ContentID
	Amount        Amount
	Method        Method
	TransactionID TransactionID
	CreatedAt     time.Time
}

// Channel is the catalog view of a creator channel.
type Channel struct {
	ID      ChannelID
	OwnerID OwnerID
	Title   string
}

// Content is the catalog view of a purchasable media item.
type Content struct {
	ID        ContentID
	ChannelID ChannelID
	Title     string
	BasePrice Amount
}

// CallbackReceipt journals one inbound gateway callback.
type CallbackReceipt struct {
	TransactionID string
	PaymentStatus string
	Payload       []byte
	Outcome       string
	ReceivedAt    time.Time
}

// Credential is a decrypted gateway credential. Its formatting never reveals the secret.
type Credential struct {
	secret string
}

// NewCredential wraps a plaintext gateway credential.
func NewCredential(plaintext string) (Credential, error) {
	trimmed := strings.TrimSpace(plaintext)
	if trimmed == "" {
		return Credential{}, fmt.Errorf("%w: empty credential", ErrCredentialNotConfigured)
	}
	return Credential{secret: trimmed}, nil
}

// Secret returns the plaintext for the single outbound gateway request.
func (credential Credential) Secret() string {
	return credential.secret
}

// String redacts the credential.
func (credential Credential) String() string {
	return redactedCredential
}

// GoString redacts the credential for %#v.
func (credential Credential) GoString() string {
	return redactedCredential
}

// PaymentCode is the gateway-issued scannable payment instrument.
type PaymentCode struct {
	Code        string
	URL         string
	Placeholder bool
}

// MintRequest describes a gateway payment code request.
type MintRequest struct {
	TransactionID TransactionID
	Amount        Amount
	BuyerID       BuyerID
	ExpiresAt     time.Time
	Description   string
}

// RemoteStatus is the gateway's view of a transaction.
type RemoteStatus struct {
	Complete       bool
	ReceivedAmount Amount
}

// Discount is a percentage promo on a channel. A zero ExpiresAt never expires.
type Discount struct {
	ChannelID ChannelID
	Percent   int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewDiscount validates a discount percentage in the range 1..100.
func NewDiscount(channelID ChannelID, percent int, expiresAt time.Time, createdAt time.Time) (Discount, error) {
	if percent <= 0 || percent > maxDiscountPercent {
		return Discount{}, fmt.Errorf("%w: discount percent %d outside 1..%d", ErrInvalidAmount, percent, maxDiscountPercent)
	}
	return Discount{ChannelID: channelID, Percent: percent, ExpiresAt: expiresAt, CreatedAt: createdAt}, nil
}
