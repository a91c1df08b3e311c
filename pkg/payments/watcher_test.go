package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const testPollInterval = 5 * time.Millisecond

type stubLease struct {
	mutex    sync.Mutex
	held     map[string]bool
	acquired int
	released int
	// releaseErr is returned by Release after the key is dropped.
	releaseErr error
}

func (lease *stubLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	lease.mutex.Lock()
	defer lease.mutex.Unlock()
	if ttl <= 0 || lease.held[key] {
		return false, nil
	}
	if lease.held == nil {
		lease.held = map[string]bool{}
	}
	lease.held[key] = true
	lease.acquired++
	return true, nil
}

func (lease *stubLease) Release(_ context.Context, key string) error {
	lease.mutex.Lock()
	defer lease.mutex.Unlock()
	delete(lease.held, key)
	lease.released++
	return lease.releaseErr
}

func (lease *stubLease) counts() (int, int) {
	lease.mutex.Lock()
	defer lease.mutex.Unlock()
	return lease.acquired, lease.released
}

func waitForWatchers(test *testing.T, service *Service) {
	test.Helper()
	done := make(chan struct{})
	go func() {
		service.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		test.Fatalf("watchers did not exit")
	}
}

func TestWatcherSettlesCompletedPaymentByPolling(test *testing.T) {
	test.Parallel()
	gateway := &pollingGateway{}
	h := newHarnessWithGateway(test, gateway, WithPollInterval(testPollInterval))
	transaction := issueGatewayPurchase(test, h)

	gateway.setRemote(RemoteStatus{Complete: true, ReceivedAmount: testPrice})
	waitFor(test, func() bool { return h.store.grantCount() == 1 })
	waitForWatchers(test, h.service)

	if status := h.store.transaction(test, transaction.ID).Status; status != StatusPaid {
		test.Fatalf("expected paid, got %s", status)
	}
	if h.notifier.count() != 1 {
		test.Fatalf("expected one delivery, got %d", h.notifier.count())
	}
}

func TestWatcherExpiresOverduePayment(test *testing.T) {
	test.Parallel()
	h := newHarness(test, WithPollInterval(testPollInterval))
	transaction := issueGatewayPurchase(test, h)

	h.clock.Advance(defaultPaymentTTL + time.Second)
	waitFor(test, func() bool { return h.store.transaction(test, transaction.ID).Status == StatusExpired })
	waitForWatchers(test, h.service)
	h.publisher.last(test, EventPaymentExpired)
}

func TestWatcherStopsWhenCallbackResolvesFirst(test *testing.T) {
	test.Parallel()
	h := newHarness(test, WithPollInterval(testPollInterval))
	transaction := issueGatewayPurchase(test, h)

	if _, err := h.service.ConfirmByExternalCallback(context.Background(), completeCallback(transaction, testPrice)); err != nil {
		test.Fatalf("callback: %v", err)
	}
	waitForWatchers(test, h.service)
	if h.store.grantCount() != 1 {
		test.Fatalf("expected one grant, got %d", h.store.grantCount())
	}
}

func TestWatcherHonoursLease(test *testing.T) {
	test.Parallel()
	lease := &stubLease{}
	h := newHarness(test, WithPollInterval(testPollInterval), WithWatchLease(lease))
	transaction := issueGatewayPurchase(test, h)

	if _, err := h.service.Cancel(context.Background(), mustBuyerID(test, testBuyer), transaction.ID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	waitForWatchers(test, h.service)
	acquired, released := lease.counts()
	if acquired != 1 || released != 1 {
		test.Fatalf("expected lease acquired and released once, got %d/%d", acquired, released)
	}
}

func TestWatcherSkipsTransactionWatchedElsewhere(test *testing.T) {
	test.Parallel()
	expectedID := fmt.Sprintf("content_%s_%s_%d_%s", testContent, testBuyer, testEpoch.UnixMilli(), testSuffix)
	lease := &stubLease{held: map[string]bool{expectedID: true}}
	h := newHarness(test, WithPollInterval(testPollInterval), WithWatchLease(lease))
	transaction := issueGatewayPurchase(test, h)
	if transaction.ID.String() != expectedID {
		test.Fatalf("unexpected transaction id %s", transaction.ID)
	}

	waitForWatchers(test, h.service)
	if acquired, _ := lease.counts(); acquired != 0 {
		test.Fatalf("expected the lease to stay with the other watcher, got %d acquisitions", acquired)
	}
}

func TestResumePendingRearmsAndExpires(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	buyer := mustBuyerID(test, testBuyer)
	channel := mustChannelID(test, testChannel)
	content := mustContentID(test, testContent)
	stale := PaymentTransaction{
		ID:        mustTransactionID(test, "content_content-1_buyer-1_1_stale000"),
		BuyerID:   buyer,
		ContentID: content,
		ChannelID: channel,
		Amount:    testPrice,
		Purpose:   PurposeContentPurchase,
		Method:    MethodGatewayCode,
		Status:    StatusPending,
		ExpiresAt: testEpoch.Add(-time.Minute),
	}
	live := stale
	live.ID = mustTransactionID(test, "content_content-1_buyer-1_2_live0000")
	live.ExpiresAt = testEpoch.Add(5 * time.Minute)
	for _, transaction := range []PaymentTransaction{stale, live} {
		if err := h.store.CreateTransaction(context.Background(), transaction); err != nil {
			test.Fatalf("seed: %v", err)
		}
	}

	resumed, err := h.service.ResumePending(context.Background())
	if err != nil {
		test.Fatalf("resume: %v", err)
	}
	if resumed != 1 {
		test.Fatalf("expected one re-armed watcher, got %d", resumed)
	}
	if status := h.store.transaction(test, stale.ID).Status; status != StatusExpired {
		test.Fatalf("expected stale transaction expired, got %s", status)
	}
	if status := h.store.transaction(test, live.ID).Status; status != StatusPending {
		test.Fatalf("expected live transaction pending, got %s", status)
	}
}

func TestWatcherLogsFailedLeaseRelease(test *testing.T) {
	test.Parallel()
	lease := &stubLease{releaseErr: errors.New("redis: connection refused")}
	h := newHarness(test, WithPollInterval(testPollInterval), WithWatchLease(lease))
	transaction := issueGatewayPurchase(test, h)

	if _, err := h.service.Cancel(context.Background(), mustBuyerID(test, testBuyer), transaction.ID); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	waitForWatchers(test, h.service)
	var logged bool
	for _, entry := range h.logger.find(operationResume) {
		if entry.Detail == "watch lease release" && entry.TransactionID == transaction.ID && errors.Is(entry.Error, lease.releaseErr) {
			logged = true
		}
	}
	if !logged {
		test.Fatalf("expected the failed lease release to be logged")
	}
}

func TestResumePendingPagesAndSkipsUnloadableChannels(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.service.resumePage = 2
	buyer := mustBuyerID(test, testBuyer)
	channel := mustChannelID(test, testChannel)
	content := mustContentID(test, testContent)
	orphanID := mustTransactionID(test, "content_content-1_buyer-1_3_orphan00")
	for index := 1; index <= 6; index++ {
		transaction := PaymentTransaction{
			ID:        mustTransactionID(test, fmt.Sprintf("content_content-1_buyer-1_%d_resume00", index)),
			BuyerID:   buyer,
			ContentID: content,
			ChannelID: channel,
			Amount:    testPrice,
			Purpose:   PurposeContentPurchase,
			Method:    MethodGatewayCode,
			Status:    StatusPending,
			ExpiresAt: testEpoch.Add(5 * time.Minute),
		}
		if index == 3 {
			transaction.ID = orphanID
			transaction.ChannelID = mustChannelID(test, "channel-gone")
		}
		if err := h.store.CreateTransaction(context.Background(), transaction); err != nil {
			test.Fatalf("seed: %v", err)
		}
	}

	resumed, err := h.service.ResumePending(context.Background())
	if err != nil {
		test.Fatalf("resume: %v", err)
	}
	if resumed != 5 {
		test.Fatalf("expected five re-armed watchers past the unloadable channel, got %d", resumed)
	}
	h.store.mutex.Lock()
	pages := h.store.pendingPages
	h.store.mutex.Unlock()
	if pages != 4 {
		test.Fatalf("expected four page reads for six rows at page size two, got %d", pages)
	}
	var logged bool
	for _, entry := range h.logger.find(operationResume) {
		if entry.Detail == "channel lookup" && entry.TransactionID == orphanID && errors.Is(entry.Error, ErrUnknownChannel) {
			logged = true
		}
	}
	if !logged {
		test.Fatalf("expected the channel lookup failure to be logged")
	}
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	id, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return id
}
