// Package gateway talks to the OY! QRIS payment gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultMintEndpoint = "/api/generate-qris"
	DefaultTimeout      = 15 * time.Second

	headerUsername       = "X-OY-Username"
	headerAPIKey         = "X-Api-Key"
	expirationTimeLayout = "2006-01-02 15:04:05"
	credentialSeparator  = ":"
	remoteStatusComplete = "COMPLETE"

	errorOperation      = "gateway"
	errorSubjectMint    = "mint"
	errorSubjectStatus  = "status"
	errorCodeTransport  = "transport"
	errorCodeRejected   = "rejected"
	errorCodeHTTPStatus = "http_status"
	errorCodeResponse   = "response"
)

var errInvalidResponse = errors.New("invalid gateway response")

// Config describes the gateway endpoints.
type Config struct {
	BaseURL        string
	MintEndpoint   string
	StatusEndpoint string
	Timeout        time.Duration
	// Location renders expiration_time; the gateway expects local wall-clock time.
	Location *time.Location
}

// Client mints QRIS payment codes and optionally checks transaction status.
type Client struct {
	http           *resty.Client
	mintEndpoint   string
	statusEndpoint string
	location       *time.Location
}

type mintPayload struct {
	PartnerTransactionID string `json:"partner_trx_id"`
	Amount               int64  `json:"amount"`
	IsOpen               bool   `json:"is_open"`
	ExpirationTime       string `json:"expiration_time"`
	PartnerUserID        string `json:"partner_user_id"`
}

type mintResponse struct {
	Status bool `json:"status"`
	Data   struct {
		QRISURL  string `json:"qris_url"`
		QRURL    string `json:"qr_url"`
		QRString string `json:"qr_string"`
	} `json:"data"`
}

type statusPayload struct {
	PartnerTransactionID string `json:"partner_trx_id"`
}

type statusResponse struct {
	Status bool `json:"status"`
	Data   struct {
		PaymentStatus  string `json:"payment_status"`
		ReceivedAmount int64  `json:"received_amount"`
	} `json:"data"`
}

// New builds a Client. BaseURL is required.
func New(config Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: gateway base url is required", payments.ErrConfiguration)
	}
	mintEndpoint := strings.TrimSpace(config.MintEndpoint)
	if mintEndpoint == "" {
		mintEndpoint = DefaultMintEndpoint
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	location := config.Location
	if location == nil {
		location = time.UTC
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{
		http:           httpClient,
		mintEndpoint:   mintEndpoint,
		statusEndpoint: strings.TrimSpace(config.StatusEndpoint),
		location:       location,
	}, nil
}

// MintPaymentCode asks the gateway for a closed-amount QRIS code.
func (client *Client) MintPaymentCode(ctx context.Context, request payments.MintRequest, credential payments.Credential) (payments.PaymentCode, error) {
	username, apiKey := splitCredential(credential)
	payload := mintPayload{
		PartnerTransactionID: request.TransactionID.String(),
		Amount:               request.Amount.Int64(),
		IsOpen:               false,
		ExpirationTime:       request.ExpiresAt.In(client.location).Format(expirationTimeLayout),
		PartnerUserID:        request.BuyerID.String(),
	}
	var body mintResponse
	response, err := client.http.R().
		SetContext(ctx).
		SetHeader(headerUsername, username).
		SetHeader(headerAPIKey, apiKey).
		SetBody(payload).
		SetResult(&body).
		Post(client.mintEndpoint)
	if err := classifyResponse(errorSubjectMint, response, err); err != nil {
		return payments.PaymentCode{}, err
	}
	codeURL := body.Data.QRISURL
	if codeURL == "" {
		codeURL = body.Data.QRURL
	}
	if !body.Status || codeURL == "" {
		return payments.PaymentCode{}, payments.WrapError(errorOperation, errorSubjectMint, errorCodeResponse, fmt.Errorf("%w: %w", payments.ErrGatewayUnavailable, errInvalidResponse))
	}
	code := body.Data.QRString
	if code == "" {
		code = request.TransactionID.String()
	}
	return payments.PaymentCode{Code: code, URL: codeURL}, nil
}

// CheckPayment asks the gateway for the status of a transaction.
func (client *Client) CheckPayment(ctx context.Context, transactionID payments.TransactionID, credential payments.Credential) (payments.RemoteStatus, error) {
	if client.statusEndpoint == "" {
		return payments.RemoteStatus{}, payments.WrapError(errorOperation, errorSubjectStatus, errorCodeResponse, fmt.Errorf("%w: status endpoint not configured", payments.ErrConfiguration))
	}
	username, apiKey := splitCredential(credential)
	var body statusResponse
	response, err := client.http.R().
		SetContext(ctx).
		SetHeader(headerUsername, username).
		SetHeader(headerAPIKey, apiKey).
		SetBody(statusPayload{PartnerTransactionID: transactionID.String()}).
		SetResult(&body).
		Post(client.statusEndpoint)
	if err := classifyResponse(errorSubjectStatus, response, err); err != nil {
		return payments.RemoteStatus{}, err
	}
	if !body.Status {
		return payments.RemoteStatus{}, payments.WrapError(errorOperation, errorSubjectStatus, errorCodeResponse, fmt.Errorf("%w: %w", payments.ErrGatewayUnavailable, errInvalidResponse))
	}
	return payments.RemoteStatus{
		Complete:       strings.EqualFold(strings.TrimSpace(body.Data.PaymentStatus), remoteStatusComplete),
		ReceivedAmount: payments.Amount(body.Data.ReceivedAmount),
	}, nil
}

// SupportsStatus reports whether a status endpoint is configured.
func (client *Client) SupportsStatus() bool {
	return client.statusEndpoint != ""
}

// Minter exposes only code minting, hiding CheckPayment from the watcher.
func (client *Client) Minter() payments.Gateway {
	return mintOnly{client: client}
}

type mintOnly struct {
	client *Client
}

func (gateway mintOnly) MintPaymentCode(ctx context.Context, request payments.MintRequest, credential payments.Credential) (payments.PaymentCode, error) {
	return gateway.client.MintPaymentCode(ctx, request, credential)
}

func classifyResponse(subject string, response *resty.Response, err error) error {
	if err != nil {
		return payments.WrapError(errorOperation, subject, errorCodeTransport, fmt.Errorf("%w: %s", payments.ErrGatewayUnavailable, err.Error()))
	}
	switch statusCode := response.StatusCode(); {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return payments.WrapError(errorOperation, subject, errorCodeRejected, payments.ErrGatewayRejected)
	case statusCode < 200 || statusCode >= 300:
		return payments.WrapError(errorOperation, subject, errorCodeHTTPStatus, fmt.Errorf("%w: status %d", payments.ErrGatewayUnavailable, statusCode))
	}
	return nil
}

// splitCredential reads "username:apikey"; a credential without a separator is used for both.
func splitCredential(credential payments.Credential) (string, string) {
	secret := credential.Secret()
	username, apiKey, found := strings.Cut(secret, credentialSeparator)
	if !found || username == "" || apiKey == "" {
		return secret, secret
	}
	return username, apiKey
}
