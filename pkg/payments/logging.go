package payments

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// Operation statuses carried by OperationLog.Status.
const (
	OperationStatusOK       = operationStatusOK
	OperationStatusError    = operationStatusError
	OperationStatusNoop     = operationStatusNoop
	OperationStatusRejected = operationStatusRejected
)

// OperationLog describes a state-changing payment operation.
type OperationLog struct {
	Operation     string
	BuyerID       BuyerID
	ChannelID     ChannelID
	ContentID     ContentID
	TransactionID TransactionID
	Amount        Amount
	Detail        string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
