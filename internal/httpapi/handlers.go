package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type callbackRequest struct {
	PartnerTransactionID string `json:"partner_trx_id"`
	PaymentStatus        string `json:"payment_status"`
	ReceivedAmount       int64  `json:"received_amount"`
}

type purchaseRequest struct {
	BuyerID   string `json:"buyer_id" binding:"required"`
	ContentID string `json:"content_id" binding:"required"`
	Choice    string `json:"choice"`
}

type topupRequest struct {
	BuyerID          string `json:"buyer_id" binding:"required"`
	ChannelID        string `json:"channel_id" binding:"required"`
	Amount           int64  `json:"amount" binding:"required"`
	PendingContentID string `json:"pending_content_id"`
}

type continueRequest struct {
	BuyerID   string `json:"buyer_id" binding:"required"`
	ContentID string `json:"content_id" binding:"required"`
	Choice    string `json:"choice" binding:"required"`
}

type cancelRequest struct {
	BuyerID string `json:"buyer_id" binding:"required"`
}

type credentialRequest struct {
	Credential string `json:"credential" binding:"required"`
}

type channelRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	Title   string `json:"title"`
}

type contentRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	Title     string `json:"title"`
	BasePrice int64  `json:"base_price"`
}

type discountRequest struct {
	Percent   int        `json:"percent" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type transactionPayload struct {
	TransactionID    string     `json:"transaction_id"`
	BuyerID          string     `json:"buyer_id"`
	ChannelID        string     `json:"channel_id"`
	ContentID        string     `json:"content_id,omitempty"`
	PendingContentID string     `json:"pending_content_id,omitempty"`
	Amount           int64      `json:"amount"`
	Purpose          string     `json:"purpose"`
	Method           string     `json:"method"`
	Status           string     `json:"status"`
	GatewayCode      string     `json:"gateway_code,omitempty"`
	GatewayURL       string     `json:"gateway_url,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type purchasePayload struct {
	Outcome     string              `json:"outcome"`
	Price       int64               `json:"price"`
	Transaction *transactionPayload `json:"transaction,omitempty"`
}

type balancePayload struct {
	ChannelID   string     `json:"channel_id"`
	Balance     int64      `json:"balance"`
	TotalTopup  int64      `json:"total_topup"`
	TotalSpent  int64      `json:"total_spent"`
	LastTopupAt *time.Time `json:"last_topup_at,omitempty"`
}

type purchaseRecordPayload struct {
	ContentID     string    `json:"content_id"`
	Amount        int64     `json:"amount"`
	Method        string    `json:"method"`
	TransactionID string    `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type continuationPayload struct {
	ContentID  string `json:"content_id"`
	ChannelID  string `json:"channel_id"`
	Price      int64  `json:"price"`
	Balance    int64  `json:"balance"`
	Shortfall  int64  `json:"shortfall"`
	Affordable bool   `json:"affordable"`
}

// handleGatewayCallback acknowledges parsed callbacks with 200 so the gateway stops retrying;
// rejected and late callbacks are journaled by the service. A transient store or gateway
// failure answers 503 so the gateway redelivers.
func (handler *handler) handleGatewayCallback(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	var request callbackRequest
	if err := json.Unmarshal(body, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reconciliation, err := handler.service.ConfirmByExternalCallback(requestCtx, payments.CallbackPayload{
		PartnerTransactionID: request.PartnerTransactionID,
		PaymentStatus:        request.PaymentStatus,
		ReceivedAmount:       request.ReceivedAmount,
		Raw:                  body,
	})
	if err != nil && payments.IsRetryable(err) {
		handler.logger.Error("gateway callback deferred",
			zap.String("transaction_id", request.PartnerTransactionID),
			zap.String("payment_status", request.PaymentStatus),
			zap.Error(err),
		)
		body := errorResponse("unavailable", "callback not recorded, retry later")
		body["retryable"] = true
		ctx.JSON(http.StatusServiceUnavailable, body)
		return
	}
	if err != nil {
		handler.logger.Warn("gateway callback not applied",
			zap.String("transaction_id", request.PartnerTransactionID),
			zap.String("payment_status", request.PaymentStatus),
			zap.Error(err),
		)
		ctx.JSON(http.StatusOK, gin.H{"status": "received", "applied": false})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":             "received",
		"applied":            reconciliation.Applied,
		"transaction_status": reconciliation.Transaction.Status.String(),
	})
}

func (handler *handler) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "buyer_id and content_id are required"))
		return
	}
	buyerID, err := payments.NewBuyerID(request.BuyerID)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	contentID, err := payments.NewContentID(request.ContentID)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	choice, err := payments.ParsePurchaseChoice(request.Choice)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.CreatePurchaseIntent(requestCtx, buyerID, contentID, choice)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusOK, toPurchasePayload(result))
}

func (handler *handler) handleTopup(ctx *gin.Context) {
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "buyer_id, channel_id and amount are required"))
		return
	}
	buyerID, err := payments.NewBuyerID(request.BuyerID)
	if err != nil {
		handler.respondError(ctx, "topup", err)
		return
	}
	channelID, err := payments.NewChannelID(request.ChannelID)
	if err != nil {
		handler.respondError(ctx, "topup", err)
		return
	}
	amount, err := payments.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, "topup", err)
		return
	}
	var pendingContentID payments.ContentID
	if request.PendingContentID != "" {
		pendingContentID, err = payments.NewContentID(request.PendingContentID)
		if err != nil {
			handler.respondError(ctx, "topup", err)
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.CreateTopupIntent(requestCtx, buyerID, channelID, amount, pendingContentID)
	if err != nil {
		handler.respondError(ctx, "topup", err)
		return
	}
	ctx.JSON(http.StatusOK, toTransactionPayload(transaction))
}

func (handler *handler) handlePendingContinuation(ctx *gin.Context) {
	buyerID, err := payments.NewBuyerID(ctx.Query("buyer_id"))
	if err != nil {
		handler.respondError(ctx, "pending", err)
		return
	}
	contentID, err := payments.NewContentID(ctx.Query("content_id"))
	if err != nil {
		handler.respondError(ctx, "pending", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	continuation, err := handler.service.PendingContinuation(requestCtx, buyerID, contentID)
	if err != nil {
		handler.respondError(ctx, "pending", err)
		return
	}
	ctx.JSON(http.StatusOK, continuationPayload{
		ContentID:  continuation.ContentID.String(),
		ChannelID:  continuation.ChannelID.String(),
		Price:      continuation.Price.Int64(),
		Balance:    continuation.Balance.Int64(),
		Shortfall:  continuation.Shortfall.Int64(),
		Affordable: continuation.Affordable,
	})
}

func (handler *handler) handleContinuePending(ctx *gin.Context) {
	var request continueRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "buyer_id, content_id and choice are required"))
		return
	}
	buyerID, err := payments.NewBuyerID(request.BuyerID)
	if err != nil {
		handler.respondError(ctx, "continue", err)
		return
	}
	contentID, err := payments.NewContentID(request.ContentID)
	if err != nil {
		handler.respondError(ctx, "continue", err)
		return
	}
	choice, err := payments.ParseContinuationChoice(request.Choice)
	if err != nil {
		handler.respondError(ctx, "continue", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.ContinuePending(requestCtx, buyerID, contentID, choice)
	if err != nil {
		handler.respondError(ctx, "continue", err)
		return
	}
	ctx.JSON(http.StatusOK, toPurchasePayload(result))
}

func (handler *handler) handleStatus(ctx *gin.Context) {
	transactionID, err := payments.NewTransactionID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "status", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.Status(requestCtx, transactionID)
	if err != nil {
		handler.respondError(ctx, "status", err)
		return
	}
	ctx.JSON(http.StatusOK, toTransactionPayload(transaction))
}

func (handler *handler) handleCancel(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "buyer_id is required"))
		return
	}
	buyerID, err := payments.NewBuyerID(request.BuyerID)
	if err != nil {
		handler.respondError(ctx, "cancel", err)
		return
	}
	transactionID, err := payments.NewTransactionID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "cancel", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.Cancel(requestCtx, buyerID, transactionID)
	if err != nil {
		handler.respondError(ctx, "cancel", err)
		return
	}
	ctx.JSON(http.StatusOK, toTransactionPayload(transaction))
}

func (handler *handler) handleBalances(ctx *gin.Context) {
	buyerID, err := payments.NewBuyerID(ctx.Param("buyer"))
	if err != nil {
		handler.respondError(ctx, "balances", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balances, err := handler.service.Balances(requestCtx, buyerID)
	if err != nil {
		handler.respondError(ctx, "balances", err)
		return
	}
	payload := make([]balancePayload, 0, len(balances))
	for _, balance := range balances {
		payload = append(payload, balancePayload{
			ChannelID:   balance.ChannelID.String(),
			Balance:     balance.Balance.Int64(),
			TotalTopup:  balance.TotalTopup.Int64(),
			TotalSpent:  balance.TotalSpent.Int64(),
			LastTopupAt: optionalTime(balance.LastTopupAt),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"buyer_id": buyerID.String(), "balances": payload})
}

func (handler *handler) handlePurchaseHistory(ctx *gin.Context) {
	buyerID, err := payments.NewBuyerID(ctx.Param("buyer"))
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	records, err := handler.history.ListPurchases(requestCtx, buyerID, parseLimit(ctx.Query("limit")))
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	payload := make([]purchaseRecordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, purchaseRecordPayload{
			ContentID:     record.ContentID.String(),
			Amount:        record.Amount.Int64(),
			Method:        record.Method.String(),
			TransactionID: record.TransactionID.String(),
			CreatedAt:     record.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"buyer_id": buyerID.String(), "purchases": payload})
}

func (handler *handler) handleStoreCredential(ctx *gin.Context) {
	var request credentialRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "credential is required"))
		return
	}
	ownerID, err := payments.NewOwnerID(ctx.Param("owner"))
	if err != nil {
		handler.respondError(ctx, "credential", err)
		return
	}
	credential, err := payments.NewCredential(request.Credential)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "credential is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.StoreCredential(requestCtx, ownerID, credential); err != nil {
		handler.respondError(ctx, "credential", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *handler) handleSaveChannel(ctx *gin.Context) {
	var request channelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "owner_id is required"))
		return
	}
	channelID, err := payments.NewChannelID(ctx.Param("channel"))
	if err != nil {
		handler.respondError(ctx, "channel", err)
		return
	}
	ownerID, err := payments.NewOwnerID(request.OwnerID)
	if err != nil {
		handler.respondError(ctx, "channel", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	channel := payments.Channel{ID: channelID, OwnerID: ownerID, Title: request.Title}
	if err := handler.catalog.SaveChannel(requestCtx, channel); err != nil {
		handler.respondError(ctx, "channel", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"channel_id": channelID.String(), "owner_id": ownerID.String(), "title": channel.Title})
}

func (handler *handler) handleSaveContent(ctx *gin.Context) {
	var request contentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "channel_id is required"))
		return
	}
	if request.BasePrice < 0 {
		handler.respondError(ctx, "content", payments.ErrInvalidAmount)
		return
	}
	contentID, err := payments.NewContentID(ctx.Param("content"))
	if err != nil {
		handler.respondError(ctx, "content", err)
		return
	}
	channelID, err := payments.NewChannelID(request.ChannelID)
	if err != nil {
		handler.respondError(ctx, "content", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	content := payments.Content{ID: contentID, ChannelID: channelID, Title: request.Title, BasePrice: payments.Amount(request.BasePrice)}
	if err := handler.catalog.SaveContent(requestCtx, content); err != nil {
		handler.respondError(ctx, "content", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"content_id": contentID.String(),
		"channel_id": channelID.String(),
		"title":      content.Title,
		"base_price": content.BasePrice.Int64(),
	})
}

func (handler *handler) handleSaveDiscount(ctx *gin.Context) {
	var request discountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "percent is required"))
		return
	}
	channelID, err := payments.NewChannelID(ctx.Param("channel"))
	if err != nil {
		handler.respondError(ctx, "discount", err)
		return
	}
	var expiresAt time.Time
	if request.ExpiresAt != nil {
		expiresAt = request.ExpiresAt.UTC()
	}
	discount, err := payments.NewDiscount(channelID, request.Percent, expiresAt, handler.nowFn().UTC())
	if err != nil {
		handler.respondError(ctx, "discount", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.catalog.SaveDiscount(requestCtx, discount); err != nil {
		handler.respondError(ctx, "discount", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"channel_id": channelID.String(),
		"percent":    discount.Percent,
		"expires_at": optionalTime(discount.ExpiresAt),
	})
}

func toPurchasePayload(result payments.PurchaseResult) purchasePayload {
	payload := purchasePayload{Outcome: string(result.Outcome), Price: result.Price.Int64()}
	if result.Transaction.ID.String() != "" {
		transaction := toTransactionPayload(result.Transaction)
		payload.Transaction = &transaction
	}
	return payload
}

func toTransactionPayload(transaction payments.PaymentTransaction) transactionPayload {
	return transactionPayload{
		TransactionID:    transaction.ID.String(),
		BuyerID:          transaction.BuyerID.String(),
		ChannelID:        transaction.ChannelID.String(),
		ContentID:        transaction.ContentID.String(),
		PendingContentID: transaction.PendingContentID.String(),
		Amount:           transaction.Amount.Int64(),
		Purpose:          transaction.Purpose.String(),
		Method:           transaction.Method.String(),
		Status:           transaction.Status.String(),
		GatewayCode:      transaction.GatewayCode,
		GatewayURL:       transaction.GatewayURL,
		ExpiresAt:        optionalTime(transaction.ExpiresAt),
		CreatedAt:        transaction.CreatedAt,
		UpdatedAt:        transaction.UpdatedAt,
	}
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
