package payments

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIdentifierConstructorsRejectBlank(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		build    func(string) error
		expected error
	}{
		{name: "buyer", build: func(raw string) error { _, err := NewBuyerID(raw); return err }, expected: ErrInvalidBuyerID},
		{name: "channel", build: func(raw string) error { _, err := NewChannelID(raw); return err }, expected: ErrInvalidChannelID},
		{name: "content", build: func(raw string) error { _, err := NewContentID(raw); return err }, expected: ErrInvalidContentID},
		{name: "owner", build: func(raw string) error { _, err := NewOwnerID(raw); return err }, expected: ErrInvalidOwnerID},
		{name: "transaction", build: func(raw string) error { _, err := NewTransactionID(raw); return err }, expected: ErrInvalidTransactionID},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.build("   "); !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if err := testCase.build(" ok "); err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewAmountRequiresPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -5} {
		if _, err := NewAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("expected ErrInvalidAmount for %d, got %v", raw, err)
		}
	}
	amount, err := NewAmount(25)
	if err != nil || amount.Int64() != 25 {
		test.Fatalf("unexpected amount %d %v", amount, err)
	}
}

func TestParseEnumerations(test *testing.T) {
	test.Parallel()
	if _, err := ParseStatus("refunded"); !errors.Is(err, ErrInvalidStatus) {
		test.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := ParsePurpose("gift"); !errors.Is(err, ErrInvalidPurpose) {
		test.Fatalf("expected ErrInvalidPurpose, got %v", err)
	}
	if _, err := ParseMethod("card"); !errors.Is(err, ErrInvalidMethod) {
		test.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
	if choice, err := ParsePurchaseChoice(""); err != nil || choice != ChoiceAuto {
		test.Fatalf("expected auto choice, got %q %v", choice, err)
	}
	if _, err := ParseContinuationChoice("maybe"); !errors.Is(err, ErrInvalidChoice) {
		test.Fatalf("expected ErrInvalidChoice, got %v", err)
	}
}

func TestStatusTerminal(test *testing.T) {
	test.Parallel()
	if StatusPending.Terminal() {
		test.Fatalf("pending must not be terminal")
	}
	for _, status := range []Status{StatusPaid, StatusExpired, StatusCancelled, StatusFailed} {
		if !status.Terminal() {
			test.Fatalf("%s must be terminal", status)
		}
	}
}

func TestTransactionExpiredIsInclusiveOfDeadline(test *testing.T) {
	test.Parallel()
	transaction := PaymentTransaction{ExpiresAt: testEpoch}
	if transaction.Expired(testEpoch) {
		test.Fatalf("expected deadline instant to be payable")
	}
	if !transaction.Expired(testEpoch.Add(time.Millisecond)) {
		test.Fatalf("expected transaction past deadline to be expired")
	}
}

func TestCredentialFormattingIsRedacted(test *testing.T) {
	test.Parallel()
	credential, err := NewCredential("merchant:super-secret")
	if err != nil {
		test.Fatalf("credential: %v", err)
	}
	for _, formatted := range []string{fmt.Sprint(credential), fmt.Sprintf("%v", credential), fmt.Sprintf("%#v", credential), fmt.Sprintf("%+v", struct{ C Credential }{credential})} {
		if strings.Contains(formatted, "super-secret") {
			test.Fatalf("credential leaked in %q", formatted)
		}
	}
	if _, err := NewCredential(" "); !errors.Is(err, ErrCredentialNotConfigured) {
		test.Fatalf("expected ErrCredentialNotConfigured, got %v", err)
	}
}

func TestPlaceholderCodeIsMarked(test *testing.T) {
	test.Parallel()
	code := PlaceholderCode(MintRequest{TransactionID: mustTransactionID(test, "topup_buyer_1_abc")})
	if !code.Placeholder || code.Code != "PLACEHOLDER_topup_buyer_1_abc" {
		test.Fatalf("unexpected placeholder code: %+v", code)
	}
	if code.URL != "https://api.qrserver.com/v1/create-qr-code/?data=PLACEHOLDER_topup_buyer_1_abc&size=300x300" {
		test.Fatalf("unexpected placeholder url %s", code.URL)
	}
}
