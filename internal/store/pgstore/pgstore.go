package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	promoKindDiscount       = "discount"
	defaultPayloadJSON      = "{}"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectCallback    = "callback"
	errorSubjectCatalog     = "catalog"
	errorSubjectCredential  = "credential"
	errorSubjectGrant       = "grant"
	errorSubjectPurchase    = "purchase"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeCredit         = "credit"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeEnsure         = "ensure"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeSave           = "save"
	errorCodeUpdateStatus   = "update_status"

	sqlCreditBalance = `
		insert into channel_balances(buyer_id, channel_id, balance_amount, total_topup, total_spent, last_topup_at, updated_at)
		values ($1, $2, $3, $3, 0, $4, $4)
		on conflict (buyer_id, channel_id) do update set
			balance_amount = channel_balances.balance_amount + excluded.balance_amount,
			total_topup = channel_balances.total_topup + excluded.total_topup,
			last_topup_at = excluded.last_topup_at,
			updated_at = excluded.updated_at
	`

	sqlDebitBalance = `
		update channel_balances
		set balance_amount = balance_amount - $3, total_spent = total_spent + $3, updated_at = $4
		where buyer_id = $1 and channel_id = $2 and balance_amount >= $3
	`

	sqlSelectBalance = `
		select balance_amount from channel_balances where buyer_id = $1 and channel_id = $2
	`

	sqlListBalances = `
		select buyer_id, channel_id, balance_amount, total_topup, total_spent, last_topup_at
		from channel_balances
		where buyer_id = $1
		order by channel_id asc
	`

	sqlInsertTransaction = `
		insert into payment_transactions(
			external_id, buyer_id, content_id, pending_content_id, channel_id, amount, purpose, method,
			status, expires_at, gateway_code, gateway_url, created_at, updated_at
		)
		values ($1, $2, nullif($3,''), nullif($4,''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	sqlTransactionColumns = `
		external_id, buyer_id, coalesce(content_id,''), coalesce(pending_content_id,''), channel_id, amount,
		purpose, method, status, expires_at, gateway_code, gateway_url, created_at, updated_at
	`

	sqlSelectTransaction = `select ` + sqlTransactionColumns + ` from payment_transactions where external_id = $1`

	sqlListPendingTransactions = `select ` + sqlTransactionColumns + `
		from payment_transactions where status = 'pending' and external_id > $1 order by external_id asc limit $2`

	sqlTransitionTransaction = `
		update payment_transactions
		set status = $3, updated_at = $4
		where external_id = $1 and status = $2
	`

	sqlTransitionTransactionToPaid = `
		update payment_transactions
		set status = $3, updated_at = $4
		where external_id = $1 and status = $2 and (expires_at is null or expires_at >= $4)
	`

	sqlHasGrant = `
		select exists(select 1 from content_grants where buyer_id = $1 and content_id = $2)
	`

	sqlUpsertGrant = `
		insert into content_grants(grant_id, buyer_id, content_id, amount, transaction_id, granted_at)
		values (gen_random_uuid(), $1, $2, $3, $4, $5)
		on conflict (buyer_id, content_id) do nothing
	`

	sqlInsertPurchase = `
		insert into purchase_history(record_id, buyer_id, content_id, amount, method, transaction_id, created_at)
		values (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
	`

	sqlListPurchases = `
		select buyer_id, content_id, amount, method, transaction_id, created_at
		from purchase_history
		where buyer_id = $1
		order by created_at desc
		limit $2
	`

	sqlSelectContent = `
		select content_id, channel_id, title, base_price from contents where content_id = $1
	`

	sqlSelectChannel = `
		select channel_id, owner_id, title from channels where channel_id = $1
	`

	sqlActiveDiscount = `
		select percent from promos
		where channel_id = $1 and kind = 'discount' and active and (expires_at is null or expires_at > $2)
		order by created_at desc
		limit 1
	`

	sqlUpsertChannel = `
		insert into channels(channel_id, owner_id, title, created_at) values ($1, $2, $3, now())
		on conflict (channel_id) do update set owner_id = excluded.owner_id, title = excluded.title
	`

	sqlUpsertContent = `
		insert into contents(content_id, channel_id, title, base_price, created_at) values ($1, $2, $3, $4, now())
		on conflict (content_id) do update set channel_id = excluded.channel_id, title = excluded.title, base_price = excluded.base_price
	`

	sqlInsertDiscount = `
		insert into promos(promo_id, channel_id, kind, percent, active, expires_at, created_at)
		values (gen_random_uuid(), $1, $2, $3, true, $4, $5)
	`

	sqlUpsertCredential = `
		insert into owner_credentials(owner_id, blob, updated_at) values ($1, $2, $3)
		on conflict (owner_id) do update set blob = excluded.blob, updated_at = excluded.updated_at
	`

	sqlSelectCredential = `
		select blob from owner_credentials where owner_id = $1
	`

	sqlInsertCallback = `
		insert into gateway_callbacks(receipt_id, transaction_id, payment_status, payload, outcome, received_at)
		values (gen_random_uuid(), $1, $2, $3::jsonb, $4, $5)
	`
)

// SchemaSQL creates the tables used by Store. It matches the GORM models so either store
// can run against the same database.
const SchemaSQL = `
create table if not exists payment_transactions (
	external_id text primary key,
	buyer_id text not null,
	content_id text,
	pending_content_id text,
	channel_id text not null,
	amount bigint not null,
	purpose text not null,
	method text not null,
	status text not null,
	expires_at timestamptz,
	gateway_code text not null default '',
	gateway_url text not null default '',
	created_at timestamptz not null,
	updated_at timestamptz not null
);
create index if not exists idx_payment_transactions_buyer on payment_transactions(buyer_id);
create index if not exists idx_payment_transactions_status on payment_transactions(status);

create table if not exists channel_balances (
	balance_id uuid primary key default gen_random_uuid(),
	buyer_id text not null,
	channel_id text not null,
	balance_amount bigint not null default 0,
	total_topup bigint not null default 0,
	total_spent bigint not null default 0,
	last_topup_at timestamptz,
	updated_at timestamptz not null
);
create unique index if not exists idx_channel_balances_buyer_channel on channel_balances(buyer_id, channel_id);

create table if not exists content_grants (
	grant_id uuid primary key,
	buyer_id text not null,
	content_id text not null,
	amount bigint not null,
	transaction_id text not null,
	granted_at timestamptz not null
);
create unique index if not exists idx_content_grants_buyer_content on content_grants(buyer_id, content_id);

create table if not exists purchase_history (
	record_id uuid primary key,
	buyer_id text not null,
	content_id text not null,
	amount bigint not null,
	method text not null,
	transaction_id text not null unique,
	created_at timestamptz not null
);
create index if not exists idx_purchase_history_buyer on purchase_history(buyer_id);

create table if not exists channels (
	channel_id text primary key,
	owner_id text not null,
	title text not null default '',
	created_at timestamptz not null
);

create table if not exists contents (
	content_id text primary key,
	channel_id text not null,
	title text not null default '',
	base_price bigint not null,
	created_at timestamptz not null
);

create table if not exists promos (
	promo_id uuid primary key,
	channel_id text not null,
	kind text not null,
	percent integer not null,
	active boolean not null default true,
	expires_at timestamptz,
	created_at timestamptz not null
);
create index if not exists idx_promos_channel_kind on promos(channel_id, kind);

create table if not exists owner_credentials (
	owner_id text primary key,
	blob bytea not null,
	updated_at timestamptz not null
);

create table if not exists gateway_callbacks (
	receipt_id uuid primary key,
	transaction_id text not null,
	payment_status text not null default '',
	payload jsonb not null,
	outcome text not null,
	received_at timestamptz not null
);
`

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

// Store implements payments.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements payments.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, SchemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx runs fn inside the already open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	return fn(ctx, store)
}

func (q *queries) CreditBalance(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID, amount payments.Amount, at time.Time) error {
	if _, err := q.db.Exec(ctx, sqlCreditBalance, buyerID.String(), channelID.String(), amount.Int64(), at.UTC()); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	return nil
}

func (q *queries) DebitBalance(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID, amount payments.Amount, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlDebitBalance, buyerID.String(), channelID.String(), amount.Int64(), at.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) ReadBalance(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID) (payments.Amount, error) {
	var balance int64
	err := q.db.QueryRow(ctx, sqlSelectBalance, buyerID.String(), channelID.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return payments.Amount(balance), nil
}

func (q *queries) ListBalances(ctx context.Context, buyerID payments.BuyerID) ([]payments.ChannelBalance, error) {
	rows, err := q.db.Query(ctx, sqlListBalances, buyerID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()

	var balances []payments.ChannelBalance
	for rows.Next() {
		var (
			buyerValue   string
			channelValue string
			balance      int64
			totalTopup   int64
			totalSpent   int64
			lastTopupAt  *time.Time
		)
		if err := rows.Scan(&buyerValue, &channelValue, &balance, &totalTopup, &totalSpent, &lastTopupAt); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
		}
		parsedBuyer, err := payments.NewBuyerID(buyerValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		parsedChannel, err := payments.NewChannelID(channelValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		row := payments.ChannelBalance{
			BuyerID:    parsedBuyer,
			ChannelID:  parsedChannel,
			Balance:    payments.Amount(balance),
			TotalTopup: payments.Amount(totalTopup),
			TotalSpent: payments.Amount(totalSpent),
		}
		if lastTopupAt != nil {
			row.LastTopupAt = lastTopupAt.UTC()
		}
		balances = append(balances, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return balances, nil
}

func (q *queries) CreateTransaction(ctx context.Context, transaction payments.PaymentTransaction) error {
	_, err := q.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.BuyerID.String(),
		transaction.ContentID.String(),
		transaction.PendingContentID.String(),
		transaction.ChannelID.String(),
		transaction.Amount.Int64(),
		transaction.Purpose.String(),
		transaction.Method.String(),
		transaction.Status.String(),
		optionalTime(transaction.ExpiresAt),
		transaction.GatewayCode,
		transaction.GatewayURL,
		transaction.CreatedAt.UTC(),
		transaction.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, payments.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func (q *queries) GetTransaction(ctx context.Context, transactionID payments.TransactionID) (payments.PaymentTransaction, error) {
	transaction, err := scanTransaction(q.db.QueryRow(ctx, sqlSelectTransaction, transactionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.PaymentTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, payments.ErrUnknownTransaction)
	}
	if err != nil {
		return payments.PaymentTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (q *queries) TransitionTransaction(ctx context.Context, transactionID payments.TransactionID, from payments.Status, to payments.Status, at time.Time) error {
	statement := sqlTransitionTransaction
	if to == payments.StatusPaid {
		statement = sqlTransitionTransactionToPaid
	}
	tag, err := q.db.Exec(ctx, statement, transactionID.String(), from.String(), to.String(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, payments.ErrTransactionClosed)
	}
	return nil
}

func (q *queries) ListPendingTransactions(ctx context.Context, after payments.TransactionID, limit int) ([]payments.PaymentTransaction, error) {
	rows, err := q.db.Query(ctx, sqlListPendingTransactions, after.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	var transactions []payments.PaymentTransaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (q *queries) HasGrant(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID) (bool, error) {
	var exists bool
	if err := q.db.QueryRow(ctx, sqlHasGrant, buyerID.String(), contentID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return exists, nil
}

func (q *queries) UpsertGrant(ctx context.Context, grant payments.ContentGrant) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlUpsertGrant,
		grant.BuyerID.String(),
		grant.ContentID.String(),
		grant.Amount.Int64(),
		grant.TransactionID.String(),
		grant.GrantedAt.UTC(),
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *queries) RecordPurchase(ctx context.Context, record payments.PurchaseRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertPurchase,
		record.BuyerID.String(),
		record.ContentID.String(),
		record.Amount.Int64(),
		record.Method.String(),
		record.TransactionID.String(),
		record.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, payments.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

// ListPurchases returns a buyer's purchase history, newest first.
func (q *queries) ListPurchases(ctx context.Context, buyerID payments.BuyerID, limit int) ([]payments.PurchaseRecord, error) {
	rows, err := q.db.Query(ctx, sqlListPurchases, buyerID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()

	var records []payments.PurchaseRecord
	for rows.Next() {
		var (
			buyerValue       string
			contentValue     string
			amount           int64
			methodValue      string
			transactionValue string
			createdAt        time.Time
		)
		if err := rows.Scan(&buyerValue, &contentValue, &amount, &methodValue, &transactionValue, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
		}
		record, err := buildPurchaseRecord(buyerValue, contentValue, amount, methodValue, transactionValue, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return records, nil
}

func (q *queries) GetContent(ctx context.Context, contentID payments.ContentID) (payments.Content, error) {
	var (
		contentValue string
		channelValue string
		title        string
		basePrice    int64
	)
	err := q.db.QueryRow(ctx, sqlSelectContent, contentID.String()).Scan(&contentValue, &channelValue, &title, &basePrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, payments.ErrUnknownContent)
	}
	if err != nil {
		return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	parsedContent, err := payments.NewContentID(contentValue)
	if err != nil {
		return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	parsedChannel, err := payments.NewChannelID(channelValue)
	if err != nil {
		return payments.Content{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	return payments.Content{ID: parsedContent, ChannelID: parsedChannel, Title: title, BasePrice: payments.Amount(basePrice)}, nil
}

func (q *queries) GetChannel(ctx context.Context, channelID payments.ChannelID) (payments.Channel, error) {
	var (
		channelValue string
		ownerValue   string
		title        string
	)
	err := q.db.QueryRow(ctx, sqlSelectChannel, channelID.String()).Scan(&channelValue, &ownerValue, &title)
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, payments.ErrUnknownChannel)
	}
	if err != nil {
		return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	parsedChannel, err := payments.NewChannelID(channelValue)
	if err != nil {
		return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	parsedOwner, err := payments.NewOwnerID(ownerValue)
	if err != nil {
		return payments.Channel{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	return payments.Channel{ID: parsedChannel, OwnerID: parsedOwner, Title: title}, nil
}

func (q *queries) ActiveDiscountPercent(ctx context.Context, channelID payments.ChannelID, at time.Time) (int, error) {
	var percent int
	err := q.db.QueryRow(ctx, sqlActiveDiscount, channelID.String(), at.UTC()).Scan(&percent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectCatalog, errorCodeLookup, err)
	}
	return percent, nil
}

func (q *queries) SaveChannel(ctx context.Context, channel payments.Channel) error {
	if _, err := q.db.Exec(ctx, sqlUpsertChannel, channel.ID.String(), channel.OwnerID.String(), channel.Title); err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (q *queries) SaveContent(ctx context.Context, content payments.Content) error {
	if _, err := q.db.Exec(ctx, sqlUpsertContent, content.ID.String(), content.ChannelID.String(), content.Title, content.BasePrice.Int64()); err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (q *queries) SaveDiscount(ctx context.Context, discount payments.Discount) error {
	_, err := q.db.Exec(ctx, sqlInsertDiscount,
		discount.ChannelID.String(),
		promoKindDiscount,
		discount.Percent,
		optionalTime(discount.ExpiresAt),
		discount.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeSave, err)
	}
	return nil
}

func (q *queries) SaveCredential(ctx context.Context, ownerID payments.OwnerID, blob []byte, at time.Time) error {
	if _, err := q.db.Exec(ctx, sqlUpsertCredential, ownerID.String(), blob, at.UTC()); err != nil {
		return wrapStoreError(errorSubjectCredential, errorCodeSave, err)
	}
	return nil
}

func (q *queries) LoadCredential(ctx context.Context, ownerID payments.OwnerID) ([]byte, error) {
	var blob []byte
	err := q.db.QueryRow(ctx, sqlSelectCredential, ownerID.String()).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapStoreError(errorSubjectCredential, errorCodeGet, payments.ErrCredentialNotConfigured)
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectCredential, errorCodeGet, err)
	}
	return blob, nil
}

func (q *queries) RecordCallback(ctx context.Context, receipt payments.CallbackReceipt) error {
	payload := string(receipt.Payload)
	if payload == "" {
		payload = defaultPayloadJSON
	}
	_, err := q.db.Exec(ctx, sqlInsertCallback,
		receipt.TransactionID,
		receipt.PaymentStatus,
		payload,
		receipt.Outcome,
		receipt.ReceivedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectCallback, errorCodeInsert, err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (payments.PaymentTransaction, error) {
	var (
		externalID     string
		buyerValue     string
		contentValue   string
		pendingValue   string
		channelValue   string
		amount         int64
		purposeValue   string
		methodValue    string
		statusValue    string
		expiresAt      *time.Time
		gatewayCode    string
		gatewayURL     string
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(&externalID, &buyerValue, &contentValue, &pendingValue, &channelValue, &amount,
		&purposeValue, &methodValue, &statusValue, &expiresAt, &gatewayCode, &gatewayURL, &createdAt, &updatedAt); err != nil {
		return payments.PaymentTransaction{}, err
	}
	transactionID, err := payments.NewTransactionID(externalID)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	buyerID, err := payments.NewBuyerID(buyerValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	channelID, err := payments.NewChannelID(channelValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	contentID, err := optionalContentID(contentValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	pendingContentID, err := optionalContentID(pendingValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	purpose, err := payments.ParsePurpose(purposeValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	method, err := payments.ParseMethod(methodValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	status, err := payments.ParseStatus(statusValue)
	if err != nil {
		return payments.PaymentTransaction{}, err
	}
	transaction := payments.PaymentTransaction{
		ID:               transactionID,
		BuyerID:          buyerID,
		ContentID:        contentID,
		PendingContentID: pendingContentID,
		ChannelID:        channelID,
		Amount:           payments.Amount(amount),
		Purpose:          purpose,
		Method:           method,
		Status:           status,
		GatewayCode:      gatewayCode,
		GatewayURL:       gatewayURL,
		CreatedAt:        createdAt.UTC(),
		UpdatedAt:        updatedAt.UTC(),
	}
	if expiresAt != nil {
		transaction.ExpiresAt = expiresAt.UTC()
	}
	return transaction, nil
}

func buildPurchaseRecord(buyerValue, contentValue string, amount int64, methodValue, transactionValue string, createdAt time.Time) (payments.PurchaseRecord, error) {
	buyerID, err := payments.NewBuyerID(buyerValue)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	contentID, err := payments.NewContentID(contentValue)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	method, err := payments.ParseMethod(methodValue)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	transactionID, err := payments.NewTransactionID(transactionValue)
	if err != nil {
		return payments.PurchaseRecord{}, err
	}
	return payments.PurchaseRecord{
		BuyerID:       buyerID,
		ContentID:     contentID,
		Amount:        payments.Amount(amount),
		Method:        method,
		TransactionID: transactionID,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

func optionalContentID(value string) (payments.ContentID, error) {
	if value == "" {
		return payments.ContentID{}, nil
	}
	return payments.NewContentID(value)
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func wrapStoreError(subject string, code string, err error) error {
	return payments.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
