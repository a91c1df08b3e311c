package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service orchestrates purchases, top-ups and the reconciliation of payment transactions.
type Service struct {
	store        Store
	gateway      Gateway
	credentials  CredentialSource
	notifier     DeliveryNotifier
	nowFn        func() time.Time
	logger       OperationLogger
	publisher    EventPublisher
	lease        WatchLease
	live         bool
	paymentTTL   time.Duration
	pollInterval time.Duration
	watchGrace   time.Duration
	suffixFn     func() string
	resumePage   int

	watchContext context.Context
	stopWatchers context.CancelFunc
	watchers     sync.WaitGroup
}

// NewService wires a Service.
func NewService(store Store, gateway Gateway, credentials CredentialSource, notifier DeliveryNotifier, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if credentials == nil {
		return nil, fmt.Errorf("%w: credential dependency is nil", ErrInvalidServiceConfig)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: delivery notifier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		gateway:      gateway,
		credentials:  credentials,
		notifier:     notifier,
		nowFn:        now,
		paymentTTL:   defaultPaymentTTL,
		pollInterval: defaultPollInterval,
		watchGrace:   defaultWatchGrace,
		suffixFn:     randomSuffix,
		resumePage:   defaultResumePage,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.paymentTTL <= 0 || service.pollInterval <= 0 || service.watchGrace < 0 {
		return nil, fmt.Errorf("%w: durations must be positive", ErrInvalidServiceConfig)
	}
	service.watchContext, service.stopWatchers = context.WithCancel(context.Background())
	return service, nil
}

// WithEventPublisher wires the sink for message-ready events.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithWatchLease wires a cross-instance lease for polling watchers.
func WithWatchLease(lease WatchLease) ServiceOption {
	return func(service *Service) {
		service.lease = lease
	}
}

// WithLiveGateway disables placeholder codes: gateway failures abort the purchase.
func WithLiveGateway(live bool) ServiceOption {
	return func(service *Service) {
		service.live = live
	}
}

// WithPaymentTTL sets how long a minted payment code stays payable.
func WithPaymentTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.paymentTTL = ttl
	}
}

// WithPollInterval sets the watcher polling interval.
func WithPollInterval(interval time.Duration) ServiceOption {
	return func(service *Service) {
		service.pollInterval = interval
	}
}

// WithWatchGrace sets how long past expiry a watcher may live.
func WithWatchGrace(grace time.Duration) ServiceOption {
	return func(service *Service) {
		service.watchGrace = grace
	}
}

// WithTransactionSuffix overrides the random suffix appended to transaction ids.
func WithTransactionSuffix(suffix func() string) ServiceOption {
	return func(service *Service) {
		if suffix != nil {
			service.suffixFn = suffix
		}
	}
}

// Close stops all polling watchers and waits for them to exit.
func (service *Service) Close() {
	service.stopWatchers()
	service.watchers.Wait()
}

// Status returns a transaction so a buyer can always check where a payment stands.
func (service *Service) Status(ctx context.Context, transactionID TransactionID) (PaymentTransaction, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	return transaction, translateError(operationStatus, err)
}

// Balance returns the buyer's balance in one channel.
func (service *Service) Balance(ctx context.Context, buyerID BuyerID, channelID ChannelID) (Amount, error) {
	balance, err := service.store.ReadBalance(ctx, buyerID, channelID)
	return balance, translateError(operationStatus, err)
}

// Balances lists every channel balance held by a buyer.
func (service *Service) Balances(ctx context.Context, buyerID BuyerID) ([]ChannelBalance, error) {
	balances, err := service.store.ListBalances(ctx, buyerID)
	return balances, translateError(operationStatus, err)
}

// FinalPrice returns the content price after the channel's active discount.
func (service *Service) FinalPrice(ctx context.Context, content Content) (Amount, error) {
	percent, err := service.store.ActiveDiscountPercent(ctx, content.ChannelID, service.nowFn())
	if err != nil {
		return 0, translateError(operationPurchase, err)
	}
	return applyDiscount(content.BasePrice, percent), nil
}

func applyDiscount(base Amount, percent int) Amount {
	if percent <= 0 {
		return base
	}
	if percent >= maxDiscountPercent {
		return 0
	}
	return Amount(base.Int64() * int64(maxDiscountPercent-percent) / maxDiscountPercent)
}

func (service *Service) newTransactionID(prefix string, at time.Time, parts ...string) TransactionID {
	segments := make([]string, 0, len(parts)+3)
	segments = append(segments, prefix)
	segments = append(segments, parts...)
	segments = append(segments, strconv.FormatInt(at.UnixMilli(), 10), service.suffixFn())
	return TransactionID{value: strings.Join(segments, transactionIDDelimiter)}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:transactionSuffixLength]
}

func (service *Service) publish(ctx context.Context, event Event) {
	if service.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = service.nowFn()
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPublish,
			Detail:    string(event.Type),
			Error:     err,
		})
	}
}

func (service *Service) deliver(ctx context.Context, buyerID BuyerID, contentID ContentID, transactionID TransactionID) {
	err := service.notifier.Deliver(ctx, buyerID, contentID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeliver,
		BuyerID:       buyerID,
		ContentID:     contentID,
		TransactionID: transactionID,
		Error:         err,
	})
	if err != nil {
		service.publish(ctx, Event{
			Type:          EventDeliveryFailed,
			BuyerID:       buyerID.String(),
			ContentID:     contentID.String(),
			TransactionID: transactionID.String(),
		})
	}
}
