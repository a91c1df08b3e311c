package payments

import "time"

const (
	operationPurchase     = "purchase"
	operationBalanceSpend = "balance_spend"
	operationMintCode     = "mint_code"
	operationTopup        = "topup"
	operationReconcile    = "reconcile"
	operationExpire       = "expire"
	operationCancel       = "cancel"
	operationContinue     = "continue_pending"
	operationDeliver      = "deliver"
	operationPublish      = "publish"
	operationStatus       = "status"
	operationResume       = "resume"
	operationCredential   = "credential"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusNoop     = "noop"
	operationStatusRejected = "rejected"

	errorSubjectBoundary = "boundary"
	errorCodeTranslated  = "translated"

	transactionIDDelimiter   = "_"
	transactionPrefixContent = "content"
	transactionPrefixTopup   = "topup"
	transactionPrefixBalance = "balance"
	transactionSuffixLength  = 8

	redactedCredential = "[redacted]"

	defaultPaymentTTL   = 10 * time.Minute
	defaultPollInterval = 30 * time.Second
	defaultWatchGrace   = time.Minute
	defaultResumePage   = 500
	maxDiscountPercent  = 100
)
