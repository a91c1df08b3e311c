package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfirmationSource names where a payment confirmation came from.
type ConfirmationSource string

const (
	SourceCallback ConfirmationSource = "callback"
	SourcePoll     ConfirmationSource = "poll"
)

const gatewayStatusComplete = "COMPLETE"

// Confirmation is the gateway's report for one transaction, from a callback or a poll.
type Confirmation struct {
	TransactionID  TransactionID
	Complete       bool
	ReceivedAmount Amount
	Source         ConfirmationSource
}

// Reconciliation is the outcome of applying a confirmation or a timeout.
type Reconciliation struct {
	Transaction PaymentTransaction
	// Applied is true when this call performed the terminal transition.
	Applied bool
}

// CallbackPayload is the parsed body of a gateway callback.
type CallbackPayload struct {
	PartnerTransactionID string
	PaymentStatus        string
	ReceivedAmount       int64
	Raw                  []byte
}

// ConfirmByExternalCallback reconciles a gateway callback and journals it. Replayed callbacks
// are no-ops.
func (service *Service) ConfirmByExternalCallback(ctx context.Context, payload CallbackPayload) (Reconciliation, error) {
	receipt := CallbackReceipt{
		TransactionID: payload.PartnerTransactionID,
		PaymentStatus: payload.PaymentStatus,
		Payload:       payload.Raw,
		ReceivedAt:    service.nowFn(),
	}
	transactionID, err := NewTransactionID(payload.PartnerTransactionID)
	if err != nil {
		receipt.Outcome = "invalid"
		service.journal(ctx, receipt)
		return Reconciliation{}, translateError(operationReconcile, err)
	}
	reconciliation, err := service.Reconcile(ctx, Confirmation{
		TransactionID:  transactionID,
		Complete:       strings.EqualFold(strings.TrimSpace(payload.PaymentStatus), gatewayStatusComplete),
		ReceivedAmount: Amount(payload.ReceivedAmount),
		Source:         SourceCallback,
	})
	receipt.Outcome = callbackOutcome(reconciliation, err)
	service.journal(ctx, receipt)
	return reconciliation, err
}

func callbackOutcome(reconciliation Reconciliation, err error) string {
	var operationError OperationError
	switch {
	case err == nil && reconciliation.Applied:
		return reconciliation.Transaction.Status.String()
	case err == nil:
		return operationStatusNoop
	case errors.As(err, &operationError):
		return operationError.Code()
	case errors.Is(err, ErrUnknownTransaction):
		return "unknown"
	default:
		return operationStatusError
	}
}

func (service *Service) journal(ctx context.Context, receipt CallbackReceipt) {
	if err := service.store.RecordCallback(ctx, receipt); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationReconcile,
			Detail:    "callback journal",
			Error:     err,
		})
	}
}

// Reconcile is the single path through which callbacks and polls settle a transaction.
// Terminal transactions are never changed. A confirmation that arrives after the deadline
// expires the transaction instead of granting anything.
func (service *Service) Reconcile(ctx context.Context, confirmation Confirmation) (Reconciliation, error) {
	reconciliation, status, err := service.reconcile(ctx, confirmation)
	service.logOperation(ctx, OperationLog{
		Operation:     operationReconcile,
		BuyerID:       reconciliation.Transaction.BuyerID,
		ChannelID:     reconciliation.Transaction.ChannelID,
		ContentID:     firstContentID(reconciliation.Transaction),
		TransactionID: confirmation.TransactionID,
		Amount:        confirmation.ReceivedAmount,
		Detail:        string(confirmation.Source),
		Status:        status,
		Error:         err,
	})
	return reconciliation, translateError(operationReconcile, err)
}

func (service *Service) reconcile(ctx context.Context, confirmation Confirmation) (Reconciliation, string, error) {
	transaction, err := service.store.GetTransaction(ctx, confirmation.TransactionID)
	if err != nil {
		return Reconciliation{}, "", err
	}
	current := Reconciliation{Transaction: transaction}
	if transaction.Status.Terminal() {
		if confirmation.Complete && transaction.Status != StatusPaid {
			return current, operationStatusRejected, nil
		}
		return current, operationStatusNoop, nil
	}
	now := service.nowFn()
	if transaction.Expired(now) {
		return service.rejectLate(ctx, transaction, confirmation, now)
	}
	if !confirmation.Complete {
		return current, operationStatusNoop, nil
	}
	if confirmation.ReceivedAmount < transaction.Amount {
		reconciliation, err := service.finish(ctx, transaction, StatusFailed, now)
		if err != nil {
			return reconciliation, "", err
		}
		if !reconciliation.Applied {
			return reconciliation, operationStatusNoop, nil
		}
		service.publish(ctx, Event{
			Type:          EventPaymentFailed,
			BuyerID:       transaction.BuyerID.String(),
			ChannelID:     transaction.ChannelID.String(),
			ContentID:     firstContentID(transaction).String(),
			TransactionID: transaction.ID.String(),
			Amount:        transaction.Amount.Int64(),
		})
		return reconciliation, "", WrapError(operationReconcile, "amount", "mismatch",
			fmt.Errorf("%w: received %d, expected %d", ErrAmountMismatch, confirmation.ReceivedAmount, transaction.Amount))
	}
	return service.settle(ctx, transaction, confirmation, now)
}

// settle moves a pending transaction to paid and applies its effects in one datastore transaction.
func (service *Service) settle(ctx context.Context, transaction PaymentTransaction, confirmation Confirmation, now time.Time) (Reconciliation, string, error) {
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.TransitionTransaction(ctx, transaction.ID, StatusPending, StatusPaid, now); err != nil {
			return err
		}
		switch transaction.Purpose {
		case PurposeContentPurchase:
			return applyPurchaseEffects(ctx, transactionStore, transaction, now)
		case PurposeBalanceTopup:
			return transactionStore.CreditBalance(ctx, transaction.BuyerID, transaction.ChannelID, transaction.Amount, now)
		default:
			return fmt.Errorf("%w: %q", ErrInvalidPurpose, transaction.Purpose)
		}
	})
	if errors.Is(err, ErrTransactionClosed) {
		latest, getErr := service.store.GetTransaction(ctx, transaction.ID)
		if getErr != nil {
			return Reconciliation{Transaction: transaction}, "", getErr
		}
		if latest.Status == StatusPending && latest.Expired(now) {
			return service.rejectLate(ctx, latest, confirmation, now)
		}
		return Reconciliation{Transaction: latest}, operationStatusNoop, nil
	}
	if err != nil {
		return Reconciliation{Transaction: transaction}, "", err
	}
	transaction.Status = StatusPaid
	transaction.UpdatedAt = now
	service.afterSettled(ctx, transaction)
	return Reconciliation{Transaction: transaction, Applied: true}, "", nil
}

func (service *Service) afterSettled(ctx context.Context, transaction PaymentTransaction) {
	switch transaction.Purpose {
	case PurposeContentPurchase:
		service.deliver(ctx, transaction.BuyerID, transaction.ContentID, transaction.ID)
		service.publish(ctx, Event{
			Type:          EventPurchaseConfirmed,
			BuyerID:       transaction.BuyerID.String(),
			ChannelID:     transaction.ChannelID.String(),
			ContentID:     transaction.ContentID.String(),
			TransactionID: transaction.ID.String(),
			Amount:        transaction.Amount.Int64(),
		})
	case PurposeBalanceTopup:
		balance, err := service.store.ReadBalance(ctx, transaction.BuyerID, transaction.ChannelID)
		if err != nil {
			balance = 0
		}
		service.publish(ctx, Event{
			Type:          EventTopupConfirmed,
			BuyerID:       transaction.BuyerID.String(),
			ChannelID:     transaction.ChannelID.String(),
			TransactionID: transaction.ID.String(),
			Amount:        transaction.Amount.Int64(),
			Balance:       balance.Int64(),
		})
		if !transaction.PendingContentID.IsZero() {
			if _, err := service.PendingContinuation(ctx, transaction.BuyerID, transaction.PendingContentID); err != nil {
				service.logOperation(ctx, OperationLog{
					Operation:     operationContinue,
					BuyerID:       transaction.BuyerID,
					ContentID:     transaction.PendingContentID,
					TransactionID: transaction.ID,
					Error:         err,
				})
			}
		}
	}
}

// rejectLate expires an overdue pending transaction. A complete confirmation against it is
// reported as ErrExpiredTransaction; nothing is granted or credited.
func (service *Service) rejectLate(ctx context.Context, transaction PaymentTransaction, confirmation Confirmation, now time.Time) (Reconciliation, string, error) {
	reconciliation, err := service.expire(ctx, transaction, now)
	if err != nil {
		return reconciliation, "", err
	}
	if !confirmation.Complete {
		return reconciliation, "", nil
	}
	return reconciliation, operationStatusRejected, WrapError(operationReconcile, "transaction", "expired", ErrExpiredTransaction)
}

// ExpireTransaction expires a pending transaction whose deadline has passed. It is a no-op
// for terminal or still-payable transactions.
func (service *Service) ExpireTransaction(ctx context.Context, transactionID TransactionID) (Reconciliation, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Reconciliation{}, translateError(operationExpire, err)
	}
	now := service.nowFn()
	if transaction.Status.Terminal() || !transaction.Expired(now) {
		return Reconciliation{Transaction: transaction}, nil
	}
	reconciliation, err := service.expire(ctx, transaction, now)
	return reconciliation, translateError(operationExpire, err)
}

func (service *Service) expire(ctx context.Context, transaction PaymentTransaction, now time.Time) (Reconciliation, error) {
	reconciliation, err := service.finish(ctx, transaction, StatusExpired, now)
	status := ""
	if err == nil && !reconciliation.Applied {
		status = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationExpire,
		BuyerID:       transaction.BuyerID,
		ChannelID:     transaction.ChannelID,
		ContentID:     firstContentID(transaction),
		TransactionID: transaction.ID,
		Amount:        transaction.Amount,
		Status:        status,
		Error:         err,
	})
	if err != nil || !reconciliation.Applied {
		return reconciliation, err
	}
	service.publish(ctx, Event{
		Type:          EventPaymentExpired,
		BuyerID:       transaction.BuyerID.String(),
		ChannelID:     transaction.ChannelID.String(),
		ContentID:     firstContentID(transaction).String(),
		TransactionID: transaction.ID.String(),
		Amount:        transaction.Amount.Int64(),
	})
	return reconciliation, nil
}

// Cancel abandons a pending transaction on the buyer's request. Cancelling loses to a
// confirmation that already landed.
func (service *Service) Cancel(ctx context.Context, buyerID BuyerID, transactionID TransactionID) (PaymentTransaction, error) {
	transaction, err := service.cancel(ctx, buyerID, transactionID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		BuyerID:       buyerID,
		ChannelID:     transaction.ChannelID,
		TransactionID: transactionID,
		Amount:        transaction.Amount,
		Error:         err,
	})
	return transaction, translateError(operationCancel, err)
}

func (service *Service) cancel(ctx context.Context, buyerID BuyerID, transactionID TransactionID) (PaymentTransaction, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return PaymentTransaction{}, err
	}
	if transaction.BuyerID != buyerID {
		return PaymentTransaction{}, WrapError(operationCancel, "transaction", "foreign", ErrNotTransactionOwner)
	}
	if transaction.Status.Terminal() {
		return transaction, WrapError(operationCancel, "transaction", "closed", ErrTransactionClosed)
	}
	now := service.nowFn()
	if transaction.Expired(now) {
		reconciliation, err := service.expire(ctx, transaction, now)
		if err != nil {
			return reconciliation.Transaction, err
		}
		return reconciliation.Transaction, WrapError(operationCancel, "transaction", "expired", ErrExpiredTransaction)
	}
	reconciliation, err := service.finish(ctx, transaction, StatusCancelled, now)
	if err != nil {
		return transaction, err
	}
	if !reconciliation.Applied {
		return reconciliation.Transaction, WrapError(operationCancel, "transaction", "closed", ErrTransactionClosed)
	}
	service.publish(ctx, Event{
		Type:          EventPaymentCancelled,
		BuyerID:       transaction.BuyerID.String(),
		ChannelID:     transaction.ChannelID.String(),
		ContentID:     firstContentID(transaction).String(),
		TransactionID: transaction.ID.String(),
		Amount:        transaction.Amount.Int64(),
	})
	return reconciliation.Transaction, nil
}

// finish applies a conditional pending -> terminal transition. When another writer got there
// first the latest row is returned with Applied unset.
func (service *Service) finish(ctx context.Context, transaction PaymentTransaction, to Status, now time.Time) (Reconciliation, error) {
	err := service.store.TransitionTransaction(ctx, transaction.ID, StatusPending, to, now)
	if errors.Is(err, ErrTransactionClosed) {
		latest, getErr := service.store.GetTransaction(ctx, transaction.ID)
		if getErr != nil {
			return Reconciliation{Transaction: transaction}, getErr
		}
		return Reconciliation{Transaction: latest}, nil
	}
	if err != nil {
		return Reconciliation{Transaction: transaction}, err
	}
	transaction.Status = to
	transaction.UpdatedAt = now
	return Reconciliation{Transaction: transaction, Applied: true}, nil
}
