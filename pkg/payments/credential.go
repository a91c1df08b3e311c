package payments

import (
	"context"
	"fmt"
)

// CredentialSealer is implemented by credential sources that can also store new credentials.
type CredentialSealer interface {
	Seal(ctx context.Context, ownerID OwnerID, credential Credential) error
}

// StoreCredential encrypts and saves a channel owner's gateway credential, replacing any
// previous one.
func (service *Service) StoreCredential(ctx context.Context, ownerID OwnerID, credential Credential) error {
	err := service.storeCredential(ctx, ownerID, credential)
	service.logOperation(ctx, OperationLog{
		Operation: operationCredential,
		Detail:    ownerID.String(),
		Error:     err,
	})
	return translateError(operationCredential, err)
}

func (service *Service) storeCredential(ctx context.Context, ownerID OwnerID, credential Credential) error {
	if credential.Secret() == "" {
		return fmt.Errorf("%w: empty credential", ErrCredentialNotConfigured)
	}
	sealer, ok := service.credentials.(CredentialSealer)
	if !ok {
		return fmt.Errorf("%w: credential source is read-only", ErrConfiguration)
	}
	return sealer.Seal(ctx, ownerID, credential)
}
