package payments

import (
	"context"
	"errors"
	"time"
)

const watcherFinalCheckTimeout = 10 * time.Second

// startWatcher arms a background poller for a pending transaction. The poller exits once the
// transaction is terminal, at expiry plus grace, or when the service is closed.
func (service *Service) startWatcher(transaction PaymentTransaction, ownerID OwnerID) {
	deadline := transaction.ExpiresAt.Add(service.watchGrace)
	service.watchers.Add(1)
	go func() {
		defer service.watchers.Done()
		service.watch(transaction.ID, ownerID, deadline)
	}()
}

func (service *Service) watch(transactionID TransactionID, ownerID OwnerID, deadline time.Time) {
	remaining := deadline.Sub(service.nowFn())
	ctx, cancel := context.WithTimeout(service.watchContext, remaining)
	defer cancel()

	if service.lease != nil && remaining > 0 {
		key := transactionID.String()
		acquired, err := service.lease.Acquire(ctx, key, remaining)
		switch {
		case err != nil:
			service.logOperation(ctx, OperationLog{
				Operation:     operationResume,
				TransactionID: transactionID,
				Detail:        "watch lease",
				Error:         err,
			})
		case !acquired:
			service.logOperation(ctx, OperationLog{
				Operation:     operationResume,
				TransactionID: transactionID,
				Detail:        "watched elsewhere",
				Status:        operationStatusNoop,
			})
			return
		default:
			defer func() {
				releaseContext, releaseCancel := context.WithTimeout(context.Background(), watcherFinalCheckTimeout)
				defer releaseCancel()
				if err := service.lease.Release(releaseContext, key); err != nil {
					service.logOperation(releaseContext, OperationLog{
						Operation:     operationResume,
						TransactionID: transactionID,
						Detail:        "watch lease release",
						Error:         err,
					})
				}
			}()
		}
	}

	ticker := time.NewTicker(service.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && service.watchContext.Err() == nil {
				finalContext, finalCancel := context.WithTimeout(context.Background(), watcherFinalCheckTimeout)
				_, _ = service.ExpireTransaction(finalContext, transactionID)
				finalCancel()
			}
			return
		case <-ticker.C:
			if service.pollOnce(ctx, transactionID, ownerID) {
				return
			}
		}
	}
}

// pollOnce runs one watcher tick and reports whether the watcher is done.
func (service *Service) pollOnce(ctx context.Context, transactionID TransactionID, ownerID OwnerID) bool {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return errors.Is(err, ErrUnknownTransaction)
	}
	if transaction.Status.Terminal() {
		return true
	}
	if transaction.Expired(service.nowFn()) {
		_, err := service.ExpireTransaction(ctx, transactionID)
		return err == nil
	}
	checker, ok := service.gateway.(GatewayStatusChecker)
	if !ok {
		return false
	}
	credential, err := service.credentials.Reveal(ctx, ownerID)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationReconcile,
			TransactionID: transactionID,
			Detail:        string(SourcePoll),
			Error:         err,
		})
		return false
	}
	remote, err := checker.CheckPayment(ctx, transactionID, credential)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationReconcile,
			TransactionID: transactionID,
			Detail:        string(SourcePoll),
			Error:         err,
		})
		return false
	}
	if !remote.Complete {
		return false
	}
	reconciliation, err := service.Reconcile(ctx, Confirmation{
		TransactionID:  transactionID,
		Complete:       true,
		ReceivedAmount: remote.ReceivedAmount,
		Source:         SourcePoll,
	})
	if err != nil && !errors.Is(err, ErrAmountMismatch) && !errors.Is(err, ErrExpiredTransaction) {
		return false
	}
	return reconciliation.Transaction.Status.Terminal()
}

// ResumePending re-arms watchers for pending transactions after a restart and expires the ones
// whose deadline passed while the process was down. It pages through every pending transaction;
// one that cannot be expired or whose channel cannot be loaded is logged and skipped. It returns
// the number of re-armed watchers.
func (service *Service) ResumePending(ctx context.Context) (int, error) {
	now := service.nowFn()
	resumed := 0
	var after TransactionID
	for {
		transactions, err := service.store.ListPendingTransactions(ctx, after, service.resumePage)
		if err != nil {
			service.logOperation(ctx, OperationLog{Operation: operationResume, Error: err})
			return resumed, translateError(operationResume, err)
		}
		for _, transaction := range transactions {
			if service.resumeOne(ctx, transaction, now) {
				resumed++
			}
		}
		if len(transactions) < service.resumePage {
			break
		}
		after = transactions[len(transactions)-1].ID
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationResume,
		Amount:    Amount(resumed),
		Detail:    "watchers re-armed",
	})
	return resumed, nil
}

// resumeOne expires or re-arms one pending transaction and reports whether a watcher started.
func (service *Service) resumeOne(ctx context.Context, transaction PaymentTransaction, now time.Time) bool {
	if transaction.Expired(now) {
		if _, err := service.expire(ctx, transaction, now); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationResume,
				TransactionID: transaction.ID,
				Detail:        "expire on resume",
				Error:         err,
			})
		}
		return false
	}
	channel, err := service.store.GetChannel(ctx, transaction.ChannelID)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationResume,
			BuyerID:       transaction.BuyerID,
			ChannelID:     transaction.ChannelID,
			TransactionID: transaction.ID,
			Detail:        "channel lookup",
			Error:         err,
		})
		return false
	}
	service.startWatcher(transaction, channel.OwnerID)
	return true
}
