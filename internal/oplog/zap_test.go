package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerLevelsAndFields(test *testing.T) {
	test.Parallel()
	buyerID, _ := payments.NewBuyerID("buyer-1")
	transactionID, _ := payments.NewTransactionID("topup_buyer-1_1_abcd1234")

	testCases := []struct {
		name     string
		entry    payments.OperationLog
		expected zapcore.Level
	}{
		{name: "ok", entry: payments.OperationLog{Operation: "topup", Status: payments.OperationStatusOK}, expected: zapcore.InfoLevel},
		{name: "error", entry: payments.OperationLog{Operation: "topup", Status: payments.OperationStatusError, Error: errors.New("boom")}, expected: zapcore.ErrorLevel},
		{name: "rejected", entry: payments.OperationLog{Operation: "reconcile", Status: payments.OperationStatusRejected}, expected: zapcore.WarnLevel},
		{name: "noop", entry: payments.OperationLog{Operation: "reconcile", Status: payments.OperationStatusNoop}, expected: zapcore.DebugLevel},
	}
	for _, testCase := range testCases {
		core, observed := observer.New(zapcore.DebugLevel)
		logger := New(zap.New(core))
		entry := testCase.entry
		entry.BuyerID = buyerID
		entry.TransactionID = transactionID
		entry.Amount = 5000
		logger.LogOperation(context.Background(), entry)

		entries := observed.All()
		if len(entries) != 1 {
			test.Fatalf("%s: expected one entry, got %d", testCase.name, len(entries))
		}
		if entries[0].Level != testCase.expected {
			test.Fatalf("%s: expected level %v, got %v", testCase.name, testCase.expected, entries[0].Level)
		}
		fields := entries[0].ContextMap()
		if fields["buyer_id"] != "buyer-1" || fields["transaction_id"] != "topup_buyer-1_1_abcd1234" || fields["amount"] != int64(5000) {
			test.Fatalf("%s: unexpected fields %+v", testCase.name, fields)
		}
		if _, ok := fields["content_id"]; ok {
			test.Fatalf("%s: empty ids must be omitted", testCase.name)
		}
	}
}

func TestNewWithNilLogger(test *testing.T) {
	test.Parallel()
	New(nil).LogOperation(context.Background(), payments.OperationLog{Operation: "status"})
}
