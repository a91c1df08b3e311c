package payments

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	testBuyer     = "buyer-1"
	testOwner     = "owner-1"
	testChannel   = "channel-1"
	testContent   = "content-1"
	testPrice     = 5000
	testSuffix    = "abcd1234"
	testGatewayID = "qris-code"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type balanceKey struct {
	buyer   string
	channel string
}

type grantKey struct {
	buyer   string
	content string
}

type stubState struct {
	balances     map[balanceKey]ChannelBalance
	transactions map[string]PaymentTransaction
	grants       map[grantKey]ContentGrant
	purchases    []PurchaseRecord
	callbacks    []CallbackReceipt
}

func (state stubState) clone() stubState {
	return stubState{
		balances:     maps.Clone(state.balances),
		transactions: maps.Clone(state.transactions),
		grants:       maps.Clone(state.grants),
		purchases:    append([]PurchaseRecord(nil), state.purchases...),
		callbacks:    append([]CallbackReceipt(nil), state.callbacks...),
	}
}

type stubStore struct {
	txMutex  sync.Mutex
	mutex    sync.Mutex
	state    stubState
	channels map[string]Channel
	contents map[string]Content
	discount int
	failWith error
	// pendingPages counts ListPendingTransactions calls.
	pendingPages int
	// beforeTransition runs once before the next TransitionTransaction, outside the lock.
	beforeTransition func()
	// beforeTx runs once when the next transaction opens, before its snapshot is taken.
	beforeTx func()
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	store := &stubStore{
		state: stubState{
			balances:     map[balanceKey]ChannelBalance{},
			transactions: map[string]PaymentTransaction{},
			grants:       map[grantKey]ContentGrant{},
		},
		channels: map[string]Channel{},
		contents: map[string]Content{},
	}
	store.channels[testChannel] = Channel{
		ID:      mustChannelID(test, testChannel),
		OwnerID: mustOwnerID(test, testOwner),
		Title:   "Test Channel",
	}
	store.contents[testContent] = Content{
		ID:        mustContentID(test, testContent),
		ChannelID: mustChannelID(test, testChannel),
		Title:     "Test Video",
		BasePrice: testPrice,
	}
	return store
}

func (store *stubStore) seedBalance(test *testing.T, buyer string, amount Amount) {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.balances[balanceKey{buyer: buyer, channel: testChannel}] = ChannelBalance{
		BuyerID:    mustBuyerID(test, buyer),
		ChannelID:  mustChannelID(test, testChannel),
		Balance:    amount,
		TotalTopup: amount,
	}
}

func (store *stubStore) balance(buyer string) Amount {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state.balances[balanceKey{buyer: buyer, channel: testChannel}].Balance
}

func (store *stubStore) transaction(test *testing.T, id TransactionID) PaymentTransaction {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	transaction, ok := store.state.transactions[id.String()]
	if !ok {
		test.Fatalf("transaction %s not stored", id)
	}
	return transaction
}

func (store *stubStore) grantCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.grants)
}

func (store *stubStore) purchaseCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.purchases)
}

func (store *stubStore) callbackOutcomes() []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	outcomes := make([]string, 0, len(store.state.callbacks))
	for _, receipt := range store.state.callbacks {
		outcomes = append(outcomes, receipt.Outcome)
	}
	return outcomes
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.mutex.Lock()
	hook := store.beforeTx
	store.beforeTx = nil
	store.mutex.Unlock()
	if hook != nil {
		hook()
	}
	store.mutex.Lock()
	snapshot := store.state.clone()
	store.mutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.state = snapshot
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) CreditBalance(_ context.Context, buyerID BuyerID, channelID ChannelID, amount Amount, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	key := balanceKey{buyer: buyerID.String(), channel: channelID.String()}
	row := store.state.balances[key]
	row.BuyerID = buyerID
	row.ChannelID = channelID
	row.Balance += amount
	row.TotalTopup += amount
	row.LastTopupAt = at
	store.state.balances[key] = row
	return nil
}

func (store *stubStore) DebitBalance(_ context.Context, buyerID BuyerID, channelID ChannelID, amount Amount, _ time.Time) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return false, store.failWith
	}
	key := balanceKey{buyer: buyerID.String(), channel: channelID.String()}
	row, ok := store.state.balances[key]
	if !ok || row.Balance < amount {
		return false, nil
	}
	row.Balance -= amount
	row.TotalSpent += amount
	store.state.balances[key] = row
	return true, nil
}

func (store *stubStore) ReadBalance(_ context.Context, buyerID BuyerID, channelID ChannelID) (Amount, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return 0, store.failWith
	}
	return store.state.balances[balanceKey{buyer: buyerID.String(), channel: channelID.String()}].Balance, nil
}

func (store *stubStore) ListBalances(_ context.Context, buyerID BuyerID) ([]ChannelBalance, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return nil, store.failWith
	}
	var balances []ChannelBalance
	for key, row := range store.state.balances {
		if key.buyer == buyerID.String() {
			balances = append(balances, row)
		}
	}
	sort.Slice(balances, func(left, right int) bool {
		return balances[left].ChannelID.String() < balances[right].ChannelID.String()
	})
	return balances, nil
}

func (store *stubStore) CreateTransaction(_ context.Context, transaction PaymentTransaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	if _, exists := store.state.transactions[transaction.ID.String()]; exists {
		return ErrDuplicateTransaction
	}
	store.state.transactions[transaction.ID.String()] = transaction
	return nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID TransactionID) (PaymentTransaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return PaymentTransaction{}, store.failWith
	}
	transaction, ok := store.state.transactions[transactionID.String()]
	if !ok {
		return PaymentTransaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) TransitionTransaction(_ context.Context, transactionID TransactionID, from Status, to Status, at time.Time) error {
	store.mutex.Lock()
	hook := store.beforeTransition
	store.beforeTransition = nil
	store.mutex.Unlock()
	if hook != nil {
		hook()
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	transaction, ok := store.state.transactions[transactionID.String()]
	if !ok || transaction.Status != from {
		return ErrTransactionClosed
	}
	if to == StatusPaid && at.After(transaction.ExpiresAt) && !transaction.ExpiresAt.IsZero() {
		return ErrTransactionClosed
	}
	transaction.Status = to
	transaction.UpdatedAt = at
	store.state.transactions[transactionID.String()] = transaction
	return nil
}

func (store *stubStore) forceStatus(id TransactionID, status Status) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	transaction := store.state.transactions[id.String()]
	transaction.Status = status
	store.state.transactions[id.String()] = transaction
}

func (store *stubStore) ListPendingTransactions(_ context.Context, after TransactionID, limit int) ([]PaymentTransaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return nil, store.failWith
	}
	store.pendingPages++
	var pending []PaymentTransaction
	for _, transaction := range store.state.transactions {
		if transaction.Status == StatusPending && transaction.ID.String() > after.String() {
			pending = append(pending, transaction)
		}
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].ID.String() < pending[right].ID.String()
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *stubStore) HasGrant(_ context.Context, buyerID BuyerID, contentID ContentID) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return false, store.failWith
	}
	_, ok := store.state.grants[grantKey{buyer: buyerID.String(), content: contentID.String()}]
	return ok, nil
}

func (store *stubStore) UpsertGrant(_ context.Context, grant ContentGrant) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return false, store.failWith
	}
	key := grantKey{buyer: grant.BuyerID.String(), content: grant.ContentID.String()}
	if _, exists := store.state.grants[key]; exists {
		return false, nil
	}
	store.state.grants[key] = grant
	return true, nil
}

func (store *stubStore) RecordPurchase(_ context.Context, record PurchaseRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return store.failWith
	}
	store.state.purchases = append(store.state.purchases, record)
	return nil
}

func (store *stubStore) GetContent(_ context.Context, contentID ContentID) (Content, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return Content{}, store.failWith
	}
	content, ok := store.contents[contentID.String()]
	if !ok {
		return Content{}, ErrUnknownContent
	}
	return content, nil
}

func (store *stubStore) GetChannel(_ context.Context, channelID ChannelID) (Channel, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return Channel{}, store.failWith
	}
	channel, ok := store.channels[channelID.String()]
	if !ok {
		return Channel{}, ErrUnknownChannel
	}
	return channel, nil
}

func (store *stubStore) ActiveDiscountPercent(_ context.Context, _ ChannelID, _ time.Time) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failWith != nil {
		return 0, store.failWith
	}
	return store.discount, nil
}

func (store *stubStore) RecordCallback(_ context.Context, receipt CallbackReceipt) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.callbacks = append(store.state.callbacks, receipt)
	return nil
}

type stubGateway struct {
	mutex    sync.Mutex
	err      error
	requests []MintRequest
	remote   RemoteStatus
	checks   int
}

func (gateway *stubGateway) MintPaymentCode(_ context.Context, request MintRequest, credential Credential) (PaymentCode, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.requests = append(gateway.requests, request)
	if gateway.err != nil {
		return PaymentCode{}, gateway.err
	}
	if credential.Secret() == "" {
		return PaymentCode{}, errors.New("missing credential")
	}
	return PaymentCode{Code: testGatewayID, URL: "https://gateway.example/" + request.TransactionID.String()}, nil
}

func (gateway *stubGateway) mintCount() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return len(gateway.requests)
}

type pollingGateway struct {
	stubGateway
}

func (gateway *pollingGateway) CheckPayment(_ context.Context, _ TransactionID, _ Credential) (RemoteStatus, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.checks++
	return gateway.remote, nil
}

func (gateway *pollingGateway) setRemote(remote RemoteStatus) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.remote = remote
}

type stubCredentials struct {
	mutex   sync.Mutex
	secrets map[string]Credential
	err     error
}

func newStubCredentials(test *testing.T) *stubCredentials {
	test.Helper()
	credential, err := NewCredential("merchant:api-key")
	if err != nil {
		test.Fatalf("credential: %v", err)
	}
	return &stubCredentials{secrets: map[string]Credential{testOwner: credential}}
}

func (credentials *stubCredentials) Reveal(_ context.Context, ownerID OwnerID) (Credential, error) {
	credentials.mutex.Lock()
	defer credentials.mutex.Unlock()
	if credentials.err != nil {
		return Credential{}, credentials.err
	}
	credential, ok := credentials.secrets[ownerID.String()]
	if !ok {
		return Credential{}, ErrCredentialNotConfigured
	}
	return credential, nil
}

func (credentials *stubCredentials) Seal(_ context.Context, ownerID OwnerID, credential Credential) error {
	credentials.mutex.Lock()
	defer credentials.mutex.Unlock()
	credentials.secrets[ownerID.String()] = credential
	return nil
}

type stubNotifier struct {
	mutex      sync.Mutex
	deliveries []string
	err        error
}

func (notifier *stubNotifier) Deliver(_ context.Context, buyerID BuyerID, contentID ContentID) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.deliveries = append(notifier.deliveries, buyerID.String()+"/"+contentID.String())
	return notifier.err
}

func (notifier *stubNotifier) count() int {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return len(notifier.deliveries)
}

type recorderPublisher struct {
	mutex  sync.Mutex
	events []Event
}

func (publisher *recorderPublisher) Publish(_ context.Context, event Event) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, event)
	return nil
}

func (publisher *recorderPublisher) types() []EventType {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	types := make([]EventType, 0, len(publisher.events))
	for _, event := range publisher.events {
		types = append(types, event.Type)
	}
	return types
}

func (publisher *recorderPublisher) last(test *testing.T, eventType EventType) Event {
	test.Helper()
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	for index := len(publisher.events) - 1; index >= 0; index-- {
		if publisher.events[index].Type == eventType {
			return publisher.events[index]
		}
	}
	test.Fatalf("no %s event published", eventType)
	return Event{}
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) find(operation string) []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var found []OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			found = append(found, entry)
		}
	}
	return found
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

type harness struct {
	store       *stubStore
	gateway     *stubGateway
	credentials *stubCredentials
	notifier    *stubNotifier
	publisher   *recorderPublisher
	logger      *recorderLogger
	clock       *fakeClock
	service     *Service
}

func newHarness(test *testing.T, options ...ServiceOption) *harness {
	test.Helper()
	return newHarnessWithGateway(test, &stubGateway{}, options...)
}

func newHarnessWithGateway(test *testing.T, gateway Gateway, options ...ServiceOption) *harness {
	test.Helper()
	h := &harness{
		store:       newStubStore(test),
		credentials: newStubCredentials(test),
		notifier:    &stubNotifier{},
		publisher:   &recorderPublisher{},
		logger:      &recorderLogger{},
		clock:       newFakeClock(),
	}
	switch typed := gateway.(type) {
	case *stubGateway:
		h.gateway = typed
	case *pollingGateway:
		h.gateway = &typed.stubGateway
	}
	base := []ServiceOption{
		WithEventPublisher(h.publisher),
		WithOperationLogger(h.logger),
		WithTransactionSuffix(func() string { return testSuffix }),
		WithPollInterval(time.Hour),
	}
	service, err := NewService(h.store, gateway, h.credentials, h.notifier, h.clock.Now, append(base, options...)...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	test.Cleanup(service.Close)
	h.service = service
	return h
}

func mustBuyerID(test *testing.T, raw string) BuyerID {
	test.Helper()
	id, err := NewBuyerID(raw)
	if err != nil {
		test.Fatalf("buyer id: %v", err)
	}
	return id
}

func mustChannelID(test *testing.T, raw string) ChannelID {
	test.Helper()
	id, err := NewChannelID(raw)
	if err != nil {
		test.Fatalf("channel id: %v", err)
	}
	return id
}

func mustContentID(test *testing.T, raw string) ContentID {
	test.Helper()
	id, err := NewContentID(raw)
	if err != nil {
		test.Fatalf("content id: %v", err)
	}
	return id
}

func mustOwnerID(test *testing.T, raw string) OwnerID {
	test.Helper()
	id, err := NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner id: %v", err)
	}
	return id
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func waitFor(test *testing.T, condition func() bool) {
	test.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.Fatalf("condition not met before timeout")
}
