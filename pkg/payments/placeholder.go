package payments

import "net/url"

const (
	placeholderCodePrefix = "PLACEHOLDER_"
	placeholderImageURL   = "https://api.qrserver.com/v1/create-qr-code/"
	placeholderImageSize  = "300x300"
)

// PlaceholderCode synthesizes a clearly marked non-payable code for development use.
func PlaceholderCode(request MintRequest) PaymentCode {
	code := placeholderCodePrefix + request.TransactionID.String()
	query := url.Values{}
	query.Set("size", placeholderImageSize)
	query.Set("data", code)
	return PaymentCode{
		Code:        code,
		URL:         placeholderImageURL + "?" + query.Encode(),
		Placeholder: true,
	}
}
