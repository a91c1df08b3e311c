package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPurchaseWithSufficientBalanceDeliversImmediately(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.seedBalance(test, testBuyer, 10000)

	result, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceAuto)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if result.Outcome != OutcomeDelivered {
		test.Fatalf("expected delivered outcome, got %s", result.Outcome)
	}
	if got := h.store.balance(testBuyer); got != 5000 {
		test.Fatalf("expected balance 5000, got %d", got)
	}
	if h.store.grantCount() != 1 || h.store.purchaseCount() != 1 {
		test.Fatalf("expected one grant and one history row, got %d and %d", h.store.grantCount(), h.store.purchaseCount())
	}
	stored := h.store.transaction(test, result.Transaction.ID)
	if stored.Status != StatusPaid || stored.Method != MethodBalance || stored.Amount != testPrice {
		test.Fatalf("unexpected stored transaction: %+v", stored)
	}
	if !strings.HasPrefix(stored.ID.String(), "balance_content-1_buyer-1_") || !strings.HasSuffix(stored.ID.String(), "_"+testSuffix) {
		test.Fatalf("unexpected transaction id %s", stored.ID)
	}
	if h.notifier.count() != 1 {
		test.Fatalf("expected one delivery, got %d", h.notifier.count())
	}
	if h.gateway.mintCount() != 0 {
		test.Fatalf("expected no gateway call, got %d", h.gateway.mintCount())
	}
	confirmed := h.publisher.last(test, EventPurchaseConfirmed)
	if confirmed.Amount != testPrice || confirmed.ContentID != testContent {
		test.Fatalf("unexpected confirmation event: %+v", confirmed)
	}
}

func TestPurchaseWithShortBalanceIssuesGatewayCodeForFullPrice(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.seedBalance(test, testBuyer, 2000)

	result, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceAuto)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if result.Outcome != OutcomeCodeIssued {
		test.Fatalf("expected code issued, got %s", result.Outcome)
	}
	if h.gateway.mintCount() != 1 || h.gateway.requests[0].Amount != testPrice {
		test.Fatalf("expected one mint for the full price, got %+v", h.gateway.requests)
	}
	stored := h.store.transaction(test, result.Transaction.ID)
	if stored.Status != StatusPending || stored.Method != MethodGatewayCode || stored.GatewayCode != testGatewayID {
		test.Fatalf("unexpected pending transaction: %+v", stored)
	}
	if !stored.ExpiresAt.Equal(testEpoch.Add(defaultPaymentTTL)) {
		test.Fatalf("expected expiry %s, got %s", testEpoch.Add(defaultPaymentTTL), stored.ExpiresAt)
	}
	if got := h.store.balance(testBuyer); got != 2000 {
		test.Fatalf("expected balance untouched, got %d", got)
	}
	ready := h.publisher.last(test, EventPaymentCodeReady)
	if ready.Code != testGatewayID || ready.TransactionID != stored.ID.String() {
		test.Fatalf("unexpected code event: %+v", ready)
	}
}

func TestPurchaseExplicitBalanceReportsShortfall(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.seedBalance(test, testBuyer, 1500)

	_, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceBalance)
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !IsRetryable(err) {
		test.Fatalf("expected insufficient funds to be retryable")
	}
	if h.store.grantCount() != 0 || h.store.balance(testBuyer) != 1500 {
		test.Fatalf("expected no side effects")
	}
	event := h.publisher.last(test, EventInsufficientFunds)
	if event.Shortfall != 3500 || event.Balance != 1500 {
		test.Fatalf("unexpected shortfall event: %+v", event)
	}
}

func TestPurchaseRedeliversExistingGrant(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.seedBalance(test, testBuyer, 10000)
	buyer := mustBuyerID(test, testBuyer)
	content := mustContentID(test, testContent)
	if _, err := h.service.CreatePurchaseIntent(context.Background(), buyer, content, ChoiceAuto); err != nil {
		test.Fatalf("first purchase: %v", err)
	}

	result, err := h.service.CreatePurchaseIntent(context.Background(), buyer, content, ChoiceAuto)
	if err != nil {
		test.Fatalf("second purchase: %v", err)
	}
	if result.Outcome != OutcomeRedelivered {
		test.Fatalf("expected redelivery, got %s", result.Outcome)
	}
	if got := h.store.balance(testBuyer); got != 5000 {
		test.Fatalf("expected a single debit, balance %d", got)
	}
	if h.notifier.count() != 2 {
		test.Fatalf("expected two deliveries, got %d", h.notifier.count())
	}
}

func TestPurchaseRedeliversWhenConcurrentGrantWinsInsideTransaction(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.seedBalance(test, testBuyer, 10000)
	buyer := mustBuyerID(test, testBuyer)
	content := mustContentID(test, testContent)
	h.store.beforeTx = func() {
		if _, err := h.store.UpsertGrant(context.Background(), ContentGrant{BuyerID: buyer, ContentID: content, Amount: testPrice, GrantedAt: testEpoch}); err != nil {
			test.Errorf("seed grant: %v", err)
		}
	}

	result, err := h.service.CreatePurchaseIntent(context.Background(), buyer, content, ChoiceBalance)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if result.Outcome != OutcomeRedelivered {
		test.Fatalf("expected redelivery, got %s", result.Outcome)
	}
	if got := h.store.balance(testBuyer); got != 10000 {
		test.Fatalf("expected balance untouched, got %d", got)
	}
	if h.store.purchaseCount() != 0 {
		test.Fatalf("expected no purchase history, got %d", h.store.purchaseCount())
	}
	if h.notifier.count() != 1 {
		test.Fatalf("expected one redelivery, got %d", h.notifier.count())
	}
}

func TestPurchaseAppliesChannelDiscount(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		discount int
		expected Amount
	}{
		{name: "no promo", discount: 0, expected: 5000},
		{name: "twenty percent", discount: 20, expected: 4000},
		{name: "odd percent floors", discount: 33, expected: 3350},
		{name: "full discount", discount: 100, expected: 0},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			h := newHarness(test)
			h.store.discount = testCase.discount
			h.store.seedBalance(test, testBuyer, 10000)

			result, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceAuto)
			if err != nil {
				test.Fatalf("purchase: %v", err)
			}
			if result.Price != testCase.expected {
				test.Fatalf("expected price %d, got %d", testCase.expected, result.Price)
			}
			if got := h.store.balance(testBuyer); got != 10000-testCase.expected {
				test.Fatalf("expected balance %d, got %d", 10000-testCase.expected, got)
			}
		})
	}
}

func TestPurchaseUnknownContent(test *testing.T) {
	test.Parallel()
	h := newHarness(test)

	_, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, "missing"), ChoiceAuto)
	if !errors.Is(err, ErrUnknownContent) {
		test.Fatalf("expected ErrUnknownContent, got %v", err)
	}
}

func TestPurchaseGatewayFallbackDependsOnLiveMode(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		live        bool
		expectError error
	}{
		{name: "placeholder outside live mode", live: false},
		{name: "error in live mode", live: true, expectError: ErrGatewayUnavailable},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			h := newHarness(test, WithLiveGateway(testCase.live))
			h.gateway.err = ErrGatewayUnavailable

			result, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceGateway)
			if testCase.expectError != nil {
				if !errors.Is(err, testCase.expectError) {
					test.Fatalf("expected %v, got %v", testCase.expectError, err)
				}
				if len(h.store.state.transactions) != 0 {
					test.Fatalf("expected no transaction to be stored")
				}
				return
			}
			if err != nil {
				test.Fatalf("purchase: %v", err)
			}
			stored := h.store.transaction(test, result.Transaction.ID)
			if !strings.HasPrefix(stored.GatewayCode, placeholderCodePrefix) {
				test.Fatalf("expected placeholder code, got %s", stored.GatewayCode)
			}
			if !strings.Contains(stored.GatewayURL, "data=PLACEHOLDER_") {
				test.Fatalf("expected placeholder url, got %s", stored.GatewayURL)
			}
		})
	}
}

func TestPurchaseRejectedCredentialIsConfigurationError(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.gateway.err = ErrGatewayRejected

	_, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceGateway)
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, ErrGatewayRejected) {
		test.Fatalf("expected configuration error, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != "rejected" {
		test.Fatalf("expected rejected operation error, got %v", err)
	}
}

func TestPurchaseMissingCredentialIsConfigurationError(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.credentials.secrets = map[string]Credential{}

	_, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceGateway)
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, ErrCredentialNotConfigured) {
		test.Fatalf("expected configuration error, got %v", err)
	}
	if h.gateway.mintCount() != 0 {
		test.Fatalf("expected no gateway call without a credential")
	}
}

func TestPurchaseTranslatesStoreFailures(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.failWith = errors.New("connection reset by peer")

	_, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceAuto)
	if !errors.Is(err, ErrStoreUnavailable) {
		test.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != errorCodeTranslated {
		test.Fatalf("expected translated operation error, got %v", err)
	}
	entries := h.logger.find(operationPurchase)
	if len(entries) != 1 || entries[0].Status != operationStatusError {
		test.Fatalf("expected one error log entry, got %+v", entries)
	}
}

func TestTopupIntentRequiresContentFromSameChannel(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.channels["channel-2"] = Channel{ID: mustChannelID(test, "channel-2"), OwnerID: mustOwnerID(test, testOwner)}

	_, err := h.service.CreateTopupIntent(context.Background(), mustBuyerID(test, testBuyer), mustChannelID(test, "channel-2"), mustAmount(test, 1000), mustContentID(test, testContent))
	if !errors.Is(err, ErrInvalidContentID) {
		test.Fatalf("expected ErrInvalidContentID, got %v", err)
	}
}

func TestTopupIntentCreatesPendingTransaction(test *testing.T) {
	test.Parallel()
	h := newHarness(test)

	transaction, err := h.service.CreateTopupIntent(context.Background(), mustBuyerID(test, testBuyer), mustChannelID(test, testChannel), mustAmount(test, 7000), ContentID{})
	if err != nil {
		test.Fatalf("topup: %v", err)
	}
	if transaction.Purpose != PurposeBalanceTopup || transaction.Status != StatusPending || transaction.Amount != 7000 {
		test.Fatalf("unexpected topup transaction: %+v", transaction)
	}
	if !strings.HasPrefix(transaction.ID.String(), "topup_buyer-1_") {
		test.Fatalf("unexpected topup id %s", transaction.ID)
	}
	if h.gateway.requests[0].Description != "Top-up: Test Channel" {
		test.Fatalf("unexpected description %q", h.gateway.requests[0].Description)
	}
}

func TestStoreCredentialSealsThroughSource(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	credential, err := NewCredential("other:secret")
	if err != nil {
		test.Fatalf("credential: %v", err)
	}
	if err := h.service.StoreCredential(context.Background(), mustOwnerID(test, "owner-2"), credential); err != nil {
		test.Fatalf("store credential: %v", err)
	}
	revealed, err := h.credentials.Reveal(context.Background(), mustOwnerID(test, "owner-2"))
	if err != nil || revealed.Secret() != "other:secret" {
		test.Fatalf("expected stored credential, got %v %v", revealed, err)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	credentials := newStubCredentials(test)
	notifier := &stubNotifier{}
	if _, err := NewService(nil, &stubGateway{}, credentials, notifier, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(store, &stubGateway{}, credentials, notifier, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	if _, err := NewService(store, &stubGateway{}, credentials, notifier, time.Now, WithPollInterval(0)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for zero interval, got %v", err)
	}
}

func TestPurchaseOfFreeContentGrantsWithoutCharging(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.store.discount = 100

	result, err := h.service.CreatePurchaseIntent(context.Background(), mustBuyerID(test, testBuyer), mustContentID(test, testContent), ChoiceGateway)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if result.Outcome != OutcomeDelivered || result.Price != 0 {
		test.Fatalf("expected free delivery, got %s at %d", result.Outcome, result.Price)
	}
	stored := h.store.transaction(test, result.Transaction.ID)
	if stored.Status != StatusPaid || stored.Method != MethodBalance || stored.Amount != 0 {
		test.Fatalf("unexpected stored transaction: %+v", stored)
	}
	if h.store.grantCount() != 1 || h.notifier.count() != 1 {
		test.Fatalf("expected one grant and one delivery, got %d and %d", h.store.grantCount(), h.notifier.count())
	}
	if h.gateway.mintCount() != 0 {
		test.Fatalf("expected no gateway call, got %d", h.gateway.mintCount())
	}
}
