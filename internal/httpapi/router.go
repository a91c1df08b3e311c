// Package httpapi exposes the payment service to the chat wrapper and the gateway callback.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultHistoryLimit   = 20
	maxHistoryLimit       = 200
	maxCallbackBodyBytes  = 64 << 10
)

// PaymentService is the orchestrator surface used by the handlers.
type PaymentService interface {
	CreatePurchaseIntent(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID, choice payments.PurchaseChoice) (payments.PurchaseResult, error)
	CreateTopupIntent(ctx context.Context, buyerID payments.BuyerID, channelID payments.ChannelID, amount payments.Amount, pendingContentID payments.ContentID) (payments.PaymentTransaction, error)
	PendingContinuation(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID) (payments.Continuation, error)
	ContinuePending(ctx context.Context, buyerID payments.BuyerID, contentID payments.ContentID, choice payments.ContinuationChoice) (payments.PurchaseResult, error)
	Cancel(ctx context.Context, buyerID payments.BuyerID, transactionID payments.TransactionID) (payments.PaymentTransaction, error)
	Status(ctx context.Context, transactionID payments.TransactionID) (payments.PaymentTransaction, error)
	Balances(ctx context.Context, buyerID payments.BuyerID) ([]payments.ChannelBalance, error)
	ConfirmByExternalCallback(ctx context.Context, payload payments.CallbackPayload) (payments.Reconciliation, error)
	StoreCredential(ctx context.Context, ownerID payments.OwnerID, credential payments.Credential) error
}

// PurchaseHistory lists a buyer's purchases, newest first.
type PurchaseHistory interface {
	ListPurchases(ctx context.Context, buyerID payments.BuyerID, limit int) ([]payments.PurchaseRecord, error)
}

// Config aggregates router settings.
type Config struct {
	AllowedOrigins []string
	SigningKey     []byte
	Issuer         string
	RequestTimeout time.Duration
	// CallbackSecret, when set, must be echoed in the X-Callback-Token header of gateway callbacks.
	CallbackSecret string
}

// Dependencies are the collaborators the router calls.
type Dependencies struct {
	Service PaymentService
	Catalog payments.CatalogWriter
	History PurchaseHistory
	Logger  *zap.Logger
	Now     func() time.Time
}

type handler struct {
	service PaymentService
	catalog payments.CatalogWriter
	history PurchaseHistory
	logger  *zap.Logger
	nowFn   func() time.Time
	timeout time.Duration
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: api signing key is required", payments.ErrConfiguration)
	}
	if deps.Service == nil || deps.Catalog == nil || deps.History == nil {
		return nil, errors.New("httpapi: service, catalog and history are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	handler := &handler{
		service: deps.Service,
		catalog: deps.Catalog,
		history: deps.History,
		logger:  logger,
		nowFn:   now,
		timeout: timeout,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:  []string{"Authorization", "Content-Type", "Origin", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	callbacks := router.Group("/callbacks")
	if secret := strings.TrimSpace(cfg.CallbackSecret); secret != "" {
		callbacks.Use(requireCallbackToken(secret))
	}
	callbacks.POST("/oy", handler.handleGatewayCallback)

	verifier := newTokenVerifier(cfg.SigningKey, cfg.Issuer)
	api := router.Group("/api")
	api.Use(verifier.middleware())

	api.POST("/purchases", handler.handlePurchase)
	api.POST("/topups", handler.handleTopup)
	api.GET("/pending", handler.handlePendingContinuation)
	api.POST("/pending/continue", handler.handleContinuePending)
	api.GET("/transactions/:id", handler.handleStatus)
	api.POST("/transactions/:id/cancel", handler.handleCancel)
	api.GET("/balances/:buyer", handler.handleBalances)
	api.GET("/purchases/:buyer", handler.handlePurchaseHistory)

	admin := api.Group("")
	admin.Use(requireScope(scopeAdmin))
	admin.PUT("/owners/:owner/credential", handler.handleStoreCredential)
	admin.PUT("/channels/:channel", handler.handleSaveChannel)
	admin.PUT("/contents/:content", handler.handleSaveContent)
	admin.POST("/channels/:channel/discounts", handler.handleSaveDiscount)

	return router, nil
}

func (handler *handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func (handler *handler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	body := errorResponse(code, err.Error())
	body["retryable"] = payments.IsRetryable(err)
	ctx.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, payments.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, payments.ErrUnknownContent),
		errors.Is(err, payments.ErrUnknownChannel),
		errors.Is(err, payments.ErrUnknownTransaction):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, payments.ErrNotTransactionOwner):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, payments.ErrAmountMismatch):
		return http.StatusConflict, "amount_mismatch"
	case errors.Is(err, payments.ErrExpiredTransaction):
		return http.StatusConflict, "expired"
	case errors.Is(err, payments.ErrTransactionClosed),
		errors.Is(err, payments.ErrRaceLost),
		errors.Is(err, payments.ErrDuplicateTransaction):
		return http.StatusConflict, "conflict"
	case errors.Is(err, payments.ErrConfiguration),
		errors.Is(err, payments.ErrCredentialNotConfigured),
		errors.Is(err, payments.ErrCredentialUnavailable),
		errors.Is(err, payments.ErrGatewayRejected):
		return http.StatusUnprocessableEntity, "configuration_error"
	case errors.Is(err, payments.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	case errors.Is(err, payments.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case isValidationError(err):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func isValidationError(err error) bool {
	for _, kind := range []error{
		payments.ErrInvalidBuyerID,
		payments.ErrInvalidChannelID,
		payments.ErrInvalidContentID,
		payments.ErrInvalidOwnerID,
		payments.ErrInvalidTransactionID,
		payments.ErrInvalidAmount,
		payments.ErrInvalidChoice,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
