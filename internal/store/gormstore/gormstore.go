package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPayloadJSON      = "{}"
	promoKindDiscount       = "discount"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectCallback    = "callback"
	errorSubjectCatalog     = "catalog"
	errorSubjectCredential  = "credential"
	errorSubjectGrant       = "grant"
	errorSubjectPurchase    = "purchase"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeCredit         = "credit"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSave           = "save"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements payments.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table used by Store.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreditBalance(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID, amount payments.Amount, at time.Time) error {
	at = at.UTC()
	row := ChannelBalance{
		BuyerID:       buyerID.String(),
		ChannelID:     channelID.String(),
		BalanceAmount: amount.Int64(),
		TotalTopup:    amount.Int64(),
		LastTopupAt:   &at,
		UpdatedAt:     at,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "buyer_id"}, {Name: "channel_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance_amount": clause.Expr{SQL: "channel_balances.balance_amount + excluded.balance_amount"},
				"total_topup":    clause.Expr{SQL: "channel_balances.total_topup + excluded.total_topup"},
				"last_topup_at":  clause.Expr{SQL: "excluded.last_topup_at"},
				"updated_at":     clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	return nil
}

func (store *Store) DebitBalance(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID, amount payments.Amount, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ChannelBalance{}).
		Where("buyer_id = ? AND channel_id = ? AND balance_amount >= ?", buyerID.String(), channelID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance_amount": gorm.Expr("balance_amount - ?", amount.Int64()),
			"total_spent":    gorm.Expr("total_spent + ?", amount.Int64()),
			"updated_at":     at.UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ReadBalance(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID) (payments.Amount, error) {
	var rows []ChannelBalance
	err := store.db.WithContext(ctx).
		Where("buyer_id = ? AND channel_id = ?", buyerID.String(), channelID.String()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return payments.Amount(rows[0].BalanceAmount), nil
}

func (store *Store) ListBalances(ctx context.Context, buyerID payments.BuyerID) ([]payments.ChannelBalance, error) {
	var rows []ChannelBalance
	err := store.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID.String()).
		Order("channel_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	balances := make([]payments.ChannelBalance, 0, len(rows))
	for _, row := range rows {
		balance, err := mapChannelBalance(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction payments.PaymentTransaction) error {
	row := PaymentTransaction{
		ExternalID:       transaction.ID.String(),
		BuyerID:          transaction.BuyerID.String(),
		ContentID:        optionalString(transaction.ContentID.String()),
		PendingContentID: optionalString(transaction.PendingContentID.String()),
		ChannelID:        transaction.ChannelID.String(),
		Amount:           transaction.Amount.Int64(),
		Purpose:          transaction.Purpose.String(),
		Method:           transaction.Method.String(),
		Status:           transaction.Status.String(),
		ExpiresAt:        optionalTime(transaction.ExpiresAt),
		GatewayCode:      transaction.GatewayCode,
		GatewayURL:       transaction.GatewayURL,
		CreatedAt:        transaction.CreatedAt.UTC(),
		UpdatedAt:        transaction.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, payments.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID payments.TransactionID) (payments.PaymentTransaction, error) {
	var row PaymentTransaction
	err := store.db.WithContext(ctx).
		Where("external_id = ?", transactionID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payments.PaymentTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, payments.ErrUnknownTransaction)
		}
		return payments.PaymentTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return payments.PaymentTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) TransitionTransaction(ctx context.Context, transactionID payments.TransactionID, from payments.Status, to payments.Status, at time.Time) error {
	query := store.db.WithContext(ctx).
		Model(&PaymentTransaction{}).
		Where("external_id = ? AND status = ?", transactionID.String(), from.String())
	if to == payments.StatusPaid {
		query = query.Where("(expires_at IS NULL OR expires_at >= ?)", at.UTC())
	}
	result := query.Updates(map[string]interface{}{
		"status":     to.String(),
		"updated_at": at.UTC(),
	})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, payments.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) ListPendingTransactions(ctx context.Context, after payments.TransactionID, limit int) ([]payments.PaymentTransaction, error) {
	var rows []PaymentTransaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND external_id > ?", payments.StatusPending.String(), after.String()).
		Order("external_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]payments.PaymentTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) HasGrant(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ContentGrant{}).
		Where("buyer_id = ? AND content_id = ?", buyerID.String(), contentID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) UpsertGrant(ctx context.Context, grant payments.ContentGrant) (bool, error) {
	row := ContentGrant{
		BuyerID:       grant.BuyerID.String(),
		ContentID:     grant.ContentID.String(),
		Amount:        grant.Amount.Int64(),
		TransactionID: grant.TransactionID.String(),
		GrantedAt:     grant.GrantedAt.UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}, {Name: "content_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) RecordPurchase(ctx context.Context, record payments.PurchaseRecord) error {
	row := PurchaseRecord{
		BuyerID:       record.BuyerID.String(),
		ContentID:     record.ContentID.String(),
		Amount:        record.Amount.Int64(),
		Method:        record.Method.String(),
		TransactionID: record.TransactionID.String(),
		CreatedAt:     record.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, payments.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

// ListPurchases returns a buyer's purchase history, newest first.
func (store *Store) ListPurchases(ctx context.Context, buyerID payments.BuyerID, limit int) ([]payments.PurchaseRecord, error) {
	var rows []PurchaseRecord
	err := store.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	records := make([]payments.PurchaseRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapPurchaseRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) GetContent(ctx context.Context, contentID payments.ContentID) (payments.Content, error) {
	var row Content
	err := store.db.WithContext(ctx).Where("content_id = ?", contentID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, payments.ErrUnknownContent)
		}
		return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	content, err := mapContent(row)
	if err != nil {
		return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	return content, nil
}

func (store *Store) GetChannel(ctx context.Context, channelID payments.ChannelID) (payments.Channel, error) {
	var row Channel
	err := store.db.WithContext(ctx).Where("channel_id = ?", channelID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, payments.ErrUnknownChannel)
		}
		return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	channel, err := mapChannel(row)
	if err != nil {
		return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	return channel, nil
}

func (store *Store) ActiveDiscountPercent(ctx context.Context, channelID payments.ChannelID, at time.Time) (int, error) {
	var rows []Promo
	err := store.db.WithContext(ctx).
		Where("channel_id = ? AND kind = ? AND active = ?", channelID.String(), promoKindDiscount, true).
		Where("(expires_at IS NULL OR expires_at > ?)", at.UTC()).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCatalog, errorCodeLookup, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Percent, nil
}

func (store *Store) SaveChannel(ctx context.Context, channel payments.Channel) error {
	row := Channel{
		ChannelID: channel.ID.String(),
		OwnerID:   channel.OwnerID.String(),
		Title:     channel.Title,
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id", "title"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SaveContent(ctx context.Context, content payments.Content) error {
	row := Content{
		ContentID: content.ID.String(),
		ChannelID: content.ChannelID.String(),
		Title:     content.Title,
		BasePrice: content.BasePrice.Int64(),
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"channel_id", "title", "base_price"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SaveDiscount(ctx context.Context, discount payments.Discount) error {
	row := Promo{
		ChannelID: discount.ChannelID.String(),
		Kind:      promoKindDiscount,
		Percent:   discount.Percent,
		Active:    true,
		ExpiresAt: optionalTime(discount.ExpiresAt),
		CreatedAt: discount.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SaveCredential(ctx context.Context, ownerID payments.OwnerID, blob []byte, at time.Time) error {
	row := OwnerCredential{
		OwnerID:   ownerID.String(),
		Blob:      blob,
		UpdatedAt: at.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCredential, errorCodeSave, err)
	}
	return nil
}

func (store *Store) LoadCredential(ctx context.Context, ownerID payments.OwnerID) ([]byte, error) {
	var row OwnerCredential
	err := store.db.WithContext(ctx).Where("owner_id = ?", ownerID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrapStoreError(errorSubjectCredential, errorCodeGet, payments.ErrCredentialNotConfigured)
		}
		return nil, wrapStoreError(errorSubjectCredential, errorCodeGet, err)
	}
	return row.Blob, nil
}

func (store *Store) RecordCallback(ctx context.Context, receipt payments.CallbackReceipt) error {
	row := CallbackReceipt{
		TransactionID: receipt.TransactionID,
		PaymentStatus: receipt.PaymentStatus,
		Payload:       datatypesJSON(receipt.Payload),
		Outcome:       receipt.Outcome,
		ReceivedAt:    receipt.ReceivedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectCallback, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return payments.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row PaymentTransaction) (payments.PaymentTransaction, error) {
	transactionID, err := payments.NewTransactionID(row.ExternalID)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	buyerID, err := payments.NewBuyerID(row.BuyerID)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	channelID, err := payments.NewChannelID(row.ChannelID)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	contentID, err := optionalContentID(row.ContentID)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	pendingContentID, err := optionalContentID(row.PendingContentID)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	purpose, err := payments.ParsePurpose(row.Purpose)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	method, err := payments.ParseMethod(row.Method)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	status, err := payments.ParseStatus(row.Status)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	transaction := payments.PaymentTransaction{
		ID:               transactionID,
		BuyerID:          buyerID,
		ContentID:        contentID,
		PendingContentID: pendingContentID,
		ChannelID:        channelID,
		Amount:           payments.Amount(row.Amount),
		Purpose:          purpose,
		Method:           method,
		Status:           status,
		GatewayCode:      row.GatewayCode,
		GatewayURL:       row.GatewayURL,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
	if row.ExpiresAt != nil {
		transaction.ExpiresAt = row.ExpiresAt.UTC()
	}
	return transaction, nil
}

func mapChannelBalance(row ChannelBalance) (payments.ChannelBalance, error) {
	buyerID, err := payments.NewBuyerID(row.BuyerID)
	if err != nil {
		return payments.ChannelBalance{}, err
	}
	channelID, err := payments.NewChannelID(row.ChannelID)
	if err != nil {
		return payments.ChannelBalance{}, err
	}
	balance := payments.ChannelBalance{
		BuyerID:    buyerID,
		ChannelID:  channelID,
		Balance:    payments.Amount(row.BalanceAmount),
		TotalTopup: payments.Amount(row.TotalTopup),
		TotalSpent: payments.Amount(row.TotalSpent),
	}
	if row.LastTopupAt != nil {
		balance.LastTopupAt = row.LastTopupAt.UTC()
	}
	return balance, nil
}

func mapPurchaseRecord(row PurchaseRecord) (payments.PurchaseRecord, error) {
	buyerID, err := payments.NewBuyerID(row.BuyerID)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	contentID, err := payments.NewContentID(row.ContentID)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	method, err := payments.ParseMethod(row.Method)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	transactionID, err := payments.NewTransactionID(row.TransactionID)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	return payments.PurchaseRecord{
		BuyerID:       buyerID,
		ContentID:     contentID,
		Amount:        payments.Amount(row.Amount),
		Method:        method,
		TransactionID: transactionID,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func mapContent(row Content) (payments.Content, error) {
	contentID, err := payments.NewContentID(row.ContentID)
	if err != nil {
		return payments.Content{}, err
	}
	channelID, err := payments.NewChannelID(row.ChannelID)
	if err != nil {
		return payments.Content{}, err
	}
	return payments.Content{
		ID:        contentID,
		ChannelID: channelID,
		Title:     row.Title,
		BasePrice: payments.Amount(row.BasePrice),
	}, nil
}

func mapChannel(row Channel) (payments.Channel, error) {
	channelID, err := payments.NewChannelID(row.ChannelID)
	if err != nil {
		return payments.Channel{}, err
	}
	ownerID, err := payments.NewOwnerID(row.OwnerID)
	if err != nil {
		return payments.Channel{}, err
	}
	return payments.Channel{ID: channelID, OwnerID: ownerID, Title: row.Title}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func optionalContentID(value *string) (payments.ContentID, error) {
	if value == nil {
		return payments.ContentID{}, nil
	}
	return payments.NewContentID(*value)
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultPayloadJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
