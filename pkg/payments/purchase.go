package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PurchaseChoice selects how a purchase should be paid.
type PurchaseChoice string

const (
	ChoiceAuto    PurchaseChoice = "auto"
	ChoiceBalance PurchaseChoice = "balance"
	ChoiceGateway PurchaseChoice = "gateway"
)

// ParsePurchaseChoice validates a purchase choice, defaulting to auto.
func ParsePurchaseChoice(raw string) (PurchaseChoice, error) {
	switch PurchaseChoice(raw) {
	case "", ChoiceAuto:
		return ChoiceAuto, nil
	case ChoiceBalance, ChoiceGateway:
		return PurchaseChoice(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChoice, raw)
	}
}

// PurchaseOutcome describes what a purchase or continuation intent produced.
type PurchaseOutcome string

const (
	OutcomeDelivered   PurchaseOutcome = "delivered"
	OutcomeRedelivered PurchaseOutcome = "redelivered"
	OutcomeCodeIssued  PurchaseOutcome = "code_issued"
	OutcomeTopupIssued PurchaseOutcome = "topup_issued"
	OutcomeAbandoned   PurchaseOutcome = "abandoned"
)

// PurchaseResult is returned by purchase and continuation intents.
type PurchaseResult struct {
	Outcome     PurchaseOutcome
	Transaction PaymentTransaction
	Price       Amount
}

// CreatePurchaseIntent buys a content item. With ChoiceAuto the balance is used when it covers
// the price and a gateway code is minted otherwise. A lost balance race surfaces
// ErrInsufficientFunds so the caller can fall back to the gateway.
func (service *Service) CreatePurchaseIntent(ctx context.Context, buyerID BuyerID, contentID ContentID, choice PurchaseChoice) (PurchaseResult, error) {
	result, err := service.purchase(ctx, buyerID, contentID, choice)
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurchase,
		BuyerID:       buyerID,
		ContentID:     contentID,
		TransactionID: result.Transaction.ID,
		Amount:        result.Price,
		Detail:        string(result.Outcome),
		Error:         err,
	})
	return result, translateError(operationPurchase, err)
}

func (service *Service) purchase(ctx context.Context, buyerID BuyerID, contentID ContentID, choice PurchaseChoice) (PurchaseResult, error) {
	content, err := service.store.GetContent(ctx, contentID)
	if err != nil {
		return PurchaseResult{}, err
	}
	granted, err := service.store.HasGrant(ctx, buyerID, contentID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if granted {
		service.deliver(ctx, buyerID, contentID, TransactionID{})
		return PurchaseResult{Outcome: OutcomeRedelivered}, nil
	}
	price, err := service.FinalPrice(ctx, content)
	if err != nil {
		return PurchaseResult{}, err
	}
	if price == 0 {
		return service.purchaseWithBalance(ctx, buyerID, content, price)
	}
	switch choice {
	case ChoiceGateway:
		return service.purchaseWithGateway(ctx, buyerID, content, price)
	case ChoiceBalance:
		return service.purchaseWithBalance(ctx, buyerID, content, price)
	case ChoiceAuto, "":
		balance, err := service.store.ReadBalance(ctx, buyerID, content.ChannelID)
		if err != nil {
			return PurchaseResult{}, err
		}
		if balance >= price {
			return service.purchaseWithBalance(ctx, buyerID, content, price)
		}
		return service.purchaseWithGateway(ctx, buyerID, content, price)
	default:
		return PurchaseResult{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
}

// errAlreadyGranted rolls back a balance purchase that lost the grant insert to a concurrent one.
var errAlreadyGranted = errors.New("content already granted")

// purchaseWithBalance inserts the grant, debits the ledger and records a retroactively paid
// transaction in one datastore transaction. The grant goes first so a concurrent purchase of
// the same content finds it taken and rolls back before any debit. A zero price skips the debit.
func (service *Service) purchaseWithBalance(ctx context.Context, buyerID BuyerID, content Content, price Amount) (PurchaseResult, error) {
	now := service.nowFn()
	transaction := PaymentTransaction{
		ID:        service.newTransactionID(transactionPrefixBalance, now, content.ID.String(), buyerID.String()),
		BuyerID:   buyerID,
		ContentID: content.ID,
		ChannelID: content.ChannelID,
		Amount:    price,
		Purpose:   PurposeContentPurchase,
		Method:    MethodBalance,
		Status:    StatusPaid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		inserted, err := transactionStore.UpsertGrant(ctx, grantFor(transaction, now))
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadyGranted
		}
		if price > 0 {
			debited, err := transactionStore.DebitBalance(ctx, buyerID, content.ChannelID, price, now)
			if err != nil {
				return err
			}
			if !debited {
				return ErrInsufficientFunds
			}
		}
		if err := transactionStore.CreateTransaction(ctx, transaction); err != nil {
			return err
		}
		return transactionStore.RecordPurchase(ctx, purchaseRecordFor(transaction, now))
	})
	if errors.Is(err, errAlreadyGranted) {
		service.logOperation(ctx, OperationLog{
			Operation: operationBalanceSpend,
			BuyerID:   buyerID,
			ChannelID: content.ChannelID,
			ContentID: content.ID,
			Detail:    "already granted",
			Status:    operationStatusNoop,
		})
		service.deliver(ctx, buyerID, content.ID, TransactionID{})
		return PurchaseResult{Outcome: OutcomeRedelivered}, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationBalanceSpend,
		BuyerID:       buyerID,
		ChannelID:     content.ChannelID,
		ContentID:     content.ID,
		TransactionID: transaction.ID,
		Amount:        price,
		Error:         err,
	})
	if errors.Is(err, ErrInsufficientFunds) {
		service.announceInsufficientFunds(ctx, buyerID, content, price)
		return PurchaseResult{Price: price}, WrapError(operationBalanceSpend, "balance", "insufficient", ErrInsufficientFunds)
	}
	if err != nil {
		return PurchaseResult{Price: price}, err
	}
	service.deliver(ctx, buyerID, content.ID, transaction.ID)
	service.publish(ctx, Event{
		Type:          EventPurchaseConfirmed,
		BuyerID:       buyerID.String(),
		ChannelID:     content.ChannelID.String(),
		ContentID:     content.ID.String(),
		TransactionID: transaction.ID.String(),
		Amount:        price.Int64(),
	})
	return PurchaseResult{Outcome: OutcomeDelivered, Transaction: transaction, Price: price}, nil
}

func (service *Service) announceInsufficientFunds(ctx context.Context, buyerID BuyerID, content Content, price Amount) {
	balance, err := service.store.ReadBalance(ctx, buyerID, content.ChannelID)
	if err != nil {
		balance = 0
	}
	shortfall := price - balance
	if shortfall < 0 {
		shortfall = 0
	}
	service.publish(ctx, Event{
		Type:      EventInsufficientFunds,
		BuyerID:   buyerID.String(),
		ChannelID: content.ChannelID.String(),
		ContentID: content.ID.String(),
		Amount:    price.Int64(),
		Balance:   balance.Int64(),
		Shortfall: shortfall.Int64(),
	})
}

// purchaseWithGateway always charges the full price through a gateway code.
func (service *Service) purchaseWithGateway(ctx context.Context, buyerID BuyerID, content Content, price Amount) (PurchaseResult, error) {
	channel, err := service.store.GetChannel(ctx, content.ChannelID)
	if err != nil {
		return PurchaseResult{Price: price}, err
	}
	now := service.nowFn()
	transaction := PaymentTransaction{
		ID:        service.newTransactionID(transactionPrefixContent, now, content.ID.String(), buyerID.String()),
		BuyerID:   buyerID,
		ContentID: content.ID,
		ChannelID: content.ChannelID,
		Amount:    price,
		Purpose:   PurposeContentPurchase,
		Method:    MethodGatewayCode,
		Status:    StatusPending,
		ExpiresAt: now.Add(service.paymentTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := service.issueCode(ctx, channel, &transaction, "Purchase: "+content.Title); err != nil {
		return PurchaseResult{Price: price}, err
	}
	return PurchaseResult{Outcome: OutcomeCodeIssued, Transaction: transaction, Price: price}, nil
}

// CreateTopupIntent mints a gateway code that credits the buyer's channel balance once paid.
// A non-zero pendingContentID records the purchase to resume after the credit.
func (service *Service) CreateTopupIntent(ctx context.Context, buyerID BuyerID, channelID ChannelID, amount Amount, pendingContentID ContentID) (PaymentTransaction, error) {
	transaction, err := service.topup(ctx, buyerID, channelID, amount, pendingContentID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationTopup,
		BuyerID:       buyerID,
		ChannelID:     channelID,
		ContentID:     pendingContentID,
		TransactionID: transaction.ID,
		Amount:        amount,
		Error:         err,
	})
	return transaction, translateError(operationTopup, err)
}

func (service *Service) topup(ctx context.Context, buyerID BuyerID, channelID ChannelID, amount Amount, pendingContentID ContentID) (PaymentTransaction, error) {
	if amount <= 0 {
		return PaymentTransaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	channel, err := service.store.GetChannel(ctx, channelID)
	if err != nil {
		return PaymentTransaction{}, err
	}
	if !pendingContentID.IsZero() {
		content, err := service.store.GetContent(ctx, pendingContentID)
		if err != nil {
			return PaymentTransaction{}, err
		}
		if content.ChannelID != channelID {
			return PaymentTransaction{}, fmt.Errorf("%w: content %s is not sold in channel %s", ErrInvalidContentID, pendingContentID, channelID)
		}
	}
	now := service.nowFn()
	transaction := PaymentTransaction{
		ID:               service.newTransactionID(transactionPrefixTopup, now, buyerID.String()),
		BuyerID:          buyerID,
		PendingContentID: pendingContentID,
		ChannelID:        channelID,
		Amount:           amount,
		Purpose:          PurposeBalanceTopup,
		Method:           MethodGatewayCode,
		Status:           StatusPending,
		ExpiresAt:        now.Add(service.paymentTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := service.issueCode(ctx, channel, &transaction, "Top-up: "+channel.Title); err != nil {
		return PaymentTransaction{}, err
	}
	return transaction, nil
}

// issueCode mints the payment code, persists the pending transaction and arms its watcher.
func (service *Service) issueCode(ctx context.Context, channel Channel, transaction *PaymentTransaction, description string) error {
	code, err := service.mintCode(ctx, channel.OwnerID, MintRequest{
		TransactionID: transaction.ID,
		Amount:        transaction.Amount,
		BuyerID:       transaction.BuyerID,
		ExpiresAt:     transaction.ExpiresAt,
		Description:   description,
	})
	if err != nil {
		return err
	}
	transaction.GatewayCode = code.Code
	transaction.GatewayURL = code.URL
	if err := service.store.CreateTransaction(ctx, *transaction); err != nil {
		return err
	}
	service.startWatcher(*transaction, channel.OwnerID)
	service.publish(ctx, Event{
		Type:          EventPaymentCodeReady,
		BuyerID:       transaction.BuyerID.String(),
		ChannelID:     transaction.ChannelID.String(),
		ContentID:     firstContentID(*transaction).String(),
		TransactionID: transaction.ID.String(),
		Amount:        transaction.Amount.Int64(),
		Code:          code.Code,
		CodeURL:       code.URL,
		ExpiresAt:     transaction.ExpiresAt,
	})
	return nil
}

// mintCode asks the gateway for a code. Outside live mode transport and unexpected status
// failures fall back to a placeholder code; a rejected or missing credential never does.
func (service *Service) mintCode(ctx context.Context, ownerID OwnerID, request MintRequest) (PaymentCode, error) {
	credential, err := service.credentials.Reveal(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotConfigured) || errors.Is(err, ErrCredentialUnavailable) {
			return PaymentCode{}, WrapError(operationMintCode, "credential", "unavailable", fmt.Errorf("%w: %w", ErrConfiguration, err))
		}
		return PaymentCode{}, err
	}
	code, err := service.gateway.MintPaymentCode(ctx, request, credential)
	if err == nil {
		return code, nil
	}
	if errors.Is(err, ErrGatewayRejected) {
		return PaymentCode{}, WrapError(operationMintCode, "gateway", "rejected", fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	if !service.live {
		service.logOperation(ctx, OperationLog{
			Operation:     operationMintCode,
			BuyerID:       request.BuyerID,
			TransactionID: request.TransactionID,
			Amount:        request.Amount,
			Detail:        "placeholder code issued",
			Status:        operationStatusNoop,
			Error:         err,
		})
		return PlaceholderCode(request), nil
	}
	if errors.Is(err, ErrGatewayUnavailable) {
		return PaymentCode{}, WrapError(operationMintCode, "gateway", "unavailable", err)
	}
	return PaymentCode{}, WrapError(operationMintCode, "gateway", "unavailable", fmt.Errorf("%w: %s", ErrGatewayUnavailable, err.Error()))
}

// applyPurchaseEffects grants and records a settled gateway purchase. A grant that already
// exists is kept; the payment is still recorded.
func applyPurchaseEffects(ctx context.Context, transactionStore Store, transaction PaymentTransaction, at time.Time) error {
	if _, err := transactionStore.UpsertGrant(ctx, grantFor(transaction, at)); err != nil {
		return err
	}
	return transactionStore.RecordPurchase(ctx, purchaseRecordFor(transaction, at))
}

func grantFor(transaction PaymentTransaction, at time.Time) ContentGrant {
	return ContentGrant{
		BuyerID:       transaction.BuyerID,
		ContentID:     transaction.ContentID,
		Amount:        transaction.Amount,
		TransactionID: transaction.ID,
		GrantedAt:     at,
	}
}

func purchaseRecordFor(transaction PaymentTransaction, at time.Time) PurchaseRecord {
	return PurchaseRecord{
		BuyerID:       transaction.BuyerID,
		ContentID:     transaction.ContentID,
		Amount:        transaction.Amount,
		Method:        transaction.Method,
		TransactionID: transaction.ID,
		CreatedAt:     at,
	}
}

func firstContentID(transaction PaymentTransaction) ContentID {
	if !transaction.ContentID.IsZero() {
		return transaction.ContentID
	}
	return transaction.PendingContentID
}
