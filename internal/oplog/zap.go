// Package oplog renders payments.OperationLog entries with zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const messagePaymentOperation = "payment operation"

// ZapLogger implements payments.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger; nil becomes a no-op logger.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation writes one entry. Errors log at error level, rejected late confirmations at warn.
func (zapLogger *ZapLogger) LogOperation(ctx context.Context, entry payments.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if value := entry.BuyerID.String(); value != "" {
		fields = append(fields, zap.String("buyer_id", value))
	}
	if value := entry.ChannelID.String(); value != "" {
		fields = append(fields, zap.String("channel_id", value))
	}
	if value := entry.ContentID.String(); value != "" {
		fields = append(fields, zap.String("content_id", value))
	}
	if value := entry.TransactionID.String(); value != "" {
		fields = append(fields, zap.String("transaction_id", value))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	zapLogger.logger.Log(levelFor(entry.Status), messagePaymentOperation, fields...)
}

func levelFor(status string) zapcore.Level {
	switch status {
	case payments.OperationStatusError:
		return zapcore.ErrorLevel
	case payments.OperationStatusRejected:
		return zapcore.WarnLevel
	case payments.OperationStatusNoop:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
