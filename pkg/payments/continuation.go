package payments

import (
	"context"
	"fmt"
)

// ContinuationChoice is the buyer's answer to a pending continuation offer.
type ContinuationChoice string

const (
	ContinueWithBalance ContinuationChoice = "balance"
	ContinueWithGateway ContinuationChoice = "gateway"
	ContinueWithTopup   ContinuationChoice = "topup_shortfall"
	ContinueWithAbandon ContinuationChoice = "abandon"
)

// ParseContinuationChoice validates a continuation choice.
func ParseContinuationChoice(raw string) (ContinuationChoice, error) {
	switch ContinuationChoice(raw) {
	case ContinueWithBalance, ContinueWithGateway, ContinueWithTopup, ContinueWithAbandon:
		return ContinuationChoice(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChoice, raw)
	}
}

// Continuation describes the purchase a buyer was pursuing before topping up.
type Continuation struct {
	ContentID  ContentID
	ChannelID  ChannelID
	Price      Amount
	Balance    Amount
	Shortfall  Amount
	Affordable bool
}

// PendingContinuation evaluates whether the buyer can now afford the content and publishes
// the offer.
func (service *Service) PendingContinuation(ctx context.Context, buyerID BuyerID, contentID ContentID) (Continuation, error) {
	continuation, err := service.evaluateContinuation(ctx, buyerID, contentID)
	if err != nil {
		return Continuation{}, translateError(operationContinue, err)
	}
	service.publish(ctx, Event{
		Type:       EventPendingContinuation,
		BuyerID:    buyerID.String(),
		ChannelID:  continuation.ChannelID.String(),
		ContentID:  contentID.String(),
		Amount:     continuation.Price.Int64(),
		Balance:    continuation.Balance.Int64(),
		Shortfall:  continuation.Shortfall.Int64(),
		Affordable: continuation.Affordable,
	})
	return continuation, nil
}

func (service *Service) evaluateContinuation(ctx context.Context, buyerID BuyerID, contentID ContentID) (Continuation, error) {
	content, err := service.store.GetContent(ctx, contentID)
	if err != nil {
		return Continuation{}, err
	}
	price, err := service.FinalPrice(ctx, content)
	if err != nil {
		return Continuation{}, err
	}
	balance, err := service.store.ReadBalance(ctx, buyerID, content.ChannelID)
	if err != nil {
		return Continuation{}, err
	}
	continuation := Continuation{
		ContentID:  contentID,
		ChannelID:  content.ChannelID,
		Price:      price,
		Balance:    balance,
		Affordable: balance >= price,
	}
	if !continuation.Affordable {
		continuation.Shortfall = price - balance
	}
	return continuation, nil
}

// ContinuePending acts on the buyer's answer to a continuation offer: buy with balance,
// pay the full price by gateway code, top up the shortfall, or abandon.
func (service *Service) ContinuePending(ctx context.Context, buyerID BuyerID, contentID ContentID, choice ContinuationChoice) (PurchaseResult, error) {
	result, err := service.continuePending(ctx, buyerID, contentID, choice)
	service.logOperation(ctx, OperationLog{
		Operation:     operationContinue,
		BuyerID:       buyerID,
		ContentID:     contentID,
		TransactionID: result.Transaction.ID,
		Amount:        result.Price,
		Detail:        string(choice),
		Error:         err,
	})
	return result, translateError(operationContinue, err)
}

func (service *Service) continuePending(ctx context.Context, buyerID BuyerID, contentID ContentID, choice ContinuationChoice) (PurchaseResult, error) {
	switch choice {
	case ContinueWithBalance:
		return service.purchase(ctx, buyerID, contentID, ChoiceBalance)
	case ContinueWithGateway:
		return service.purchase(ctx, buyerID, contentID, ChoiceGateway)
	case ContinueWithTopup:
		continuation, err := service.evaluateContinuation(ctx, buyerID, contentID)
		if err != nil {
			return PurchaseResult{}, err
		}
		if continuation.Affordable {
			return PurchaseResult{Price: continuation.Price}, WrapError(operationContinue, "choice", "affordable",
				fmt.Errorf("%w: balance already covers the price", ErrInvalidChoice))
		}
		transaction, err := service.topup(ctx, buyerID, continuation.ChannelID, continuation.Shortfall, contentID)
		if err != nil {
			return PurchaseResult{Price: continuation.Price}, err
		}
		return PurchaseResult{Outcome: OutcomeTopupIssued, Transaction: transaction, Price: continuation.Price}, nil
	case ContinueWithAbandon:
		if _, err := service.store.GetContent(ctx, contentID); err != nil {
			return PurchaseResult{}, err
		}
		return PurchaseResult{Outcome: OutcomeAbandoned}, nil
	default:
		return PurchaseResult{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
}
