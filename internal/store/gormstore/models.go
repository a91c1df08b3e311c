package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentTransaction mirrors the payment_transactions table.
type PaymentTransaction struct {
	ExternalID       string     `gorm:"primaryKey"`
	BuyerID          string     `gorm:"not null;index:idx_payment_transactions_buyer"`
	ContentID        *string    `gorm:""`
	PendingContentID *string    `gorm:""`
	ChannelID        string     `gorm:"not null"`
	Amount           int64      `gorm:"not null"`
	Purpose          string     `gorm:"not null"`
	Method           string     `gorm:"not null"`
	Status           string     `gorm:"not null;index:idx_payment_transactions_status"`
	ExpiresAt        *time.Time `gorm:""`
	GatewayCode      string     `gorm:"not null;default:''"`
	GatewayURL       string     `gorm:"not null;default:''"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// ChannelBalance mirrors the channel_balances table.
type ChannelBalance struct {
	BalanceID     string     `gorm:"type:uuid;primaryKey"`
	BuyerID       string     `gorm:"not null;index:idx_channel_balances_buyer_channel,unique,priority:1"`
	ChannelID     string     `gorm:"not null;index:idx_channel_balances_buyer_channel,unique,priority:2"`
	BalanceAmount int64      `gorm:"not null;default:0"`
	TotalTopup    int64      `gorm:"not null;default:0"`
	TotalSpent    int64      `gorm:"not null;default:0"`
	LastTopupAt   *time.Time `gorm:""`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (ChannelBalance) TableName() string { return "channel_balances" }

func (balance *ChannelBalance) BeforeCreate(tx *gorm.DB) error {
	if balance.BalanceID == "" {
		balance.BalanceID = uuid.NewString()
	}
	return nil
}

// ContentGrant mirrors the content_grants table.
type ContentGrant struct {
	GrantID       string    `gorm:"type:uuid;primaryKey"`
	BuyerID       string    `gorm:"not null;index:idx_content_grants_buyer_content,unique,priority:1"`
	ContentID     string    `gorm:"not null;index:idx_content_grants_buyer_content,unique,priority:2"`
	Amount        int64     `gorm:"not null"`
	TransactionID string    `gorm:"not null"`
	GrantedAt     time.Time `gorm:"not null"`
}

func (ContentGrant) TableName() string { return "content_grants" }

func (grant *ContentGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// PurchaseRecord mirrors the purchase_history table.
type PurchaseRecord struct {
	RecordID      string    `gorm:"type:uuid;primaryKey"`
	BuyerID       string    `gorm:"not null;index:idx_purchase_history_buyer"`
	ContentID     string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	Method        string    `gorm:"not null"`
	TransactionID string    `gorm:"not null;uniqueIndex"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (PurchaseRecord) TableName() string { return "purchase_history" }

func (record *PurchaseRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// Channel mirrors the channels table.
type Channel struct {
	ChannelID string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	Title     string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Channel) TableName() string { return "channels" }

// Content mirrors the contents table.
type Content struct {
	ContentID string    `gorm:"primaryKey"`
	ChannelID string    `gorm:"not null;index"`
	Title     string    `gorm:"not null;default:''"`
	BasePrice int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Content) TableName() string { return "contents" }

// Promo mirrors the promos table. Only discount promos affect pricing.
type Promo struct {
	PromoID   string     `gorm:"type:uuid;primaryKey"`
	ChannelID string     `gorm:"not null;index:idx_promos_channel_kind,priority:1"`
	Kind      string     `gorm:"not null;index:idx_promos_channel_kind,priority:2"`
	Percent   int        `gorm:"not null"`
	Active    bool       `gorm:"not null;default:true"`
	ExpiresAt *time.Time `gorm:""`
	CreatedAt time.Time  `gorm:"not null"`
}

func (Promo) TableName() string { return "promos" }

func (promo *Promo) BeforeCreate(tx *gorm.DB) error {
	if promo.PromoID == "" {
		promo.PromoID = uuid.NewString()
	}
	return nil
}

// OwnerCredential mirrors the owner_credentials table; Blob is nonce || ciphertext.
type OwnerCredential struct {
	OwnerID   string    `gorm:"primaryKey"`
	Blob      []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (OwnerCredential) TableName() string { return "owner_credentials" }

// CallbackReceipt mirrors the gateway_callbacks table.
type CallbackReceipt struct {
	ReceiptID     string         `gorm:"type:uuid;primaryKey"`
	TransactionID string         `gorm:"not null;index"`
	PaymentStatus string         `gorm:"not null;default:''"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null"`
	Outcome       string         `gorm:"not null"`
	ReceivedAt    time.Time      `gorm:"not null"`
}

func (CallbackReceipt) TableName() string { return "gateway_callbacks" }

func (receipt *CallbackReceipt) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{
		&PaymentTransaction{},
		&ChannelBalance{},
		&ContentGrant{},
		&PurchaseRecord{},
		&Channel{},
		&Content{},
		&Promo{},
		&OwnerCredential{},
		&CallbackReceipt{},
	}
}
