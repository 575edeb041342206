package lnbits

import (
	"errors"
	"fmt"
)

// Wallet is the LNbits wallet document returned by /api/v1/wallet.
type Wallet struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"` // millisatoshis
}

// CreateLinkRequest is the body for creating an LNURL-withdraw link
// through the withdraw extension. Amounts are in satoshis.
type CreateLinkRequest struct {
	Title           string `json:"title"`
	MinWithdrawable int64  `json:"min_withdrawable"`
	MaxWithdrawable int64  `json:"max_withdrawable"`
	Uses            int    `json:"uses"`
	WaitTime        int    `json:"wait_time"`
	IsUnique        bool   `json:"is_unique"`
	WebhookURL      string `json:"webhook_url,omitempty"`
}

// WithdrawLink is one LNURL-withdraw link as the withdraw extension
// returns it.
type WithdrawLink struct {
	ID              string `json:"id"`
	Wallet          string `json:"wallet"`
	Title           string `json:"title"`
	MinWithdrawable int64  `json:"min_withdrawable"`
	MaxWithdrawable int64  `json:"max_withdrawable"`
	Uses            int    `json:"uses"`
	WaitTime        int    `json:"wait_time"`
	IsUnique        bool   `json:"is_unique"`
	UniqueHash      string `json:"unique_hash"`
	K1              string `json:"k1"`
	OpenTime        int64  `json:"open_time"`
	Used            int    `json:"used"`
	WebhookURL      string `json:"webhook_url"`
	LNURL           string `json:"lnurl"`
}

// Invoice is the response to invoice creation or payment.
type Invoice struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	CheckingID     string `json:"checking_id"`
}

// PaymentStatus is the result of a payment status probe.
type PaymentStatus struct {
	Paid     bool   `json:"paid"`
	Preimage string `json:"preimage"`
}

// Payment is one wallet payment record. Amount is in millisatoshis,
// negative for outgoing payments.
type Payment struct {
	CheckingID  string `json:"checking_id"`
	Pending     bool   `json:"pending"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	Memo        string `json:"memo"`
	Time        int64  `json:"time"`
	Bolt11      string `json:"bolt11"`
	Preimage    string `json:"preimage"`
	PaymentHash string `json:"payment_hash"`
}

type invoiceRequest struct {
	Out     bool   `json:"out"`
	Amount  int64  `json:"amount"`
	Memo    string `json:"memo,omitempty"`
	Webhook string `json:"webhook,omitempty"`
}

type payRequest struct {
	Out    bool   `json:"out"`
	Bolt11 string `json:"bolt11"`
}

// APIError is a non-2xx response from the LNbits API, carrying the
// body's detail field when one was present.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("lnbits: HTTP %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("lnbits: HTTP %d", e.Status)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
