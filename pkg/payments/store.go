package payments

import (
	"context"
	"time"
)

// LedgerStore persists per-(buyer, channel) balances. Every mutation is one atomic statement.
type LedgerStore interface {
	// CreditBalance increments balance and cumulative top-up, creating the row on first credit.
	CreditBalance(ctx context.Context, buyerID BuyerID, channelID ChannelID, amount Amount, at time.Time) error
	// DebitBalance decrements balance only when balance >= amount and reports whether a row changed.
	DebitBalance(ctx context.Context, buyerID BuyerID, channelID ChannelID, amount Amount, at time.Time) (bool, error)
	// ReadBalance returns the current balance, 0 when no row exists.
	ReadBalance(ctx context.Context, buyerID BuyerID, channelID ChannelID) (Amount, error)
	ListBalances(ctx context.Context, buyerID BuyerID) ([]ChannelBalance, error)
}

// SessionStore persists payment transactions keyed by their external id.
type SessionStore interface {
	CreateTransaction(ctx context.Context, transaction PaymentTransaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (PaymentTransaction, error)
	// TransitionTransaction moves a transaction from one status to another with a conditional
	// update. Moving to paid additionally requires expires_at >= at. Returns
	// ErrTransactionClosed when no row matched.
	TransitionTransaction(ctx context.Context, transactionID TransactionID, from Status, to Status, at time.Time) error
	// ListPendingTransactions pages pending transactions in id order, starting after the given
	// id. A zero id starts from the beginning.
	ListPendingTransactions(ctx context.Context, after TransactionID, limit int) ([]PaymentTransaction, error)
}

// GrantStore persists content entitlements and purchase history.
type GrantStore interface {
	HasGrant(ctx context.Context, buyerID BuyerID, contentID ContentID) (bool, error)
	// UpsertGrant inserts the grant unless the (buyer, content) pair already holds one and
	// reports whether a new row was inserted.
	UpsertGrant(ctx context.Context, grant ContentGrant) (bool, error)
	RecordPurchase(ctx context.Context, record PurchaseRecord) error
}

// CatalogStore exposes the read side of channels, content and promos.
type CatalogStore interface {
	GetContent(ctx context.Context, contentID ContentID) (Content, error)
	GetChannel(ctx context.Context, channelID ChannelID) (Channel, error)
	// ActiveDiscountPercent returns the latest active discount for a channel, 0 when none.
	ActiveDiscountPercent(ctx context.Context, channelID ChannelID, at time.Time) (int, error)
}

// CredentialStore persists encrypted gateway credential blobs.
type CredentialStore interface {
	SaveCredential(ctx context.Context, ownerID OwnerID, blob []byte, at time.Time) error
	// LoadCredential returns ErrCredentialNotConfigured when the owner has none.
	LoadCredential(ctx context.Context, ownerID OwnerID) ([]byte, error)
}

// CallbackJournal appends inbound gateway callbacks.
type CallbackJournal interface {
	RecordCallback(ctx context.Context, receipt CallbackReceipt) error
}

// Store is the persistence contract used by Service.
type Store interface {
	LedgerStore
	SessionStore
	GrantStore
	CatalogStore
	CallbackJournal
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
}

// CatalogWriter maintains channels, content and promos for the admin surface.
type CatalogWriter interface {
	SaveChannel(ctx context.Context, channel Channel) error
	SaveContent(ctx context.Context, content Content) error
	SaveDiscount(ctx context.Context, discount Discount) error
}
