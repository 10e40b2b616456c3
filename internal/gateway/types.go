package gateway

import (
	"encoding/json"
	"errors"
	"math"
)

var (
	// ErrGatewayUnavailable marks transport-level failures (network, timeout,
	// 5xx). Callers must not mutate order state when they see it.
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)

const (
	// StatusCodeSuccess is the gateway's canonical approved status code.
	StatusCodeSuccess = "000"

	TypeApproval = "Approval"
	TypeCharge   = "Charge"
)

// MinorUnits converts a major-unit wire amount (e.g. 250.00) to minor units.
func MinorUnits(major float64) int64 {
	return int64(math.Round(major * 100))
}

// MajorUnits converts minor units back to the major-unit wire representation.
func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}

// ConvertMinor applies a currency rate to a minor-unit amount, rounding to
// the nearest minor unit. Every caller that converts an order total or a
// line amount must round the same way, or line sums stop reconciling with
// validated totals.
func ConvertMinor(minor int64, rate float64) int64 {
	return int64(math.Round(float64(minor) * rate))
}

// Item is one payment-page line. Price is in major units on the wire.
type Item struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Barcode  string  `json:"barcode,omitempty"`
	VatType  int     `json:"vat_type"`
}

// Customer identifies the paying customer on the payment page.
type Customer struct {
	CustomerName string `json:"customer_name"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// PaymentPageRequest is the generateLink request body.
type PaymentPageRequest struct {
	PaymentPageUID string   `json:"payment_page_uid"`
	ChargeMethod   int      `json:"charge_method"`
	Amount         float64  `json:"amount"`
	CurrencyCode   string   `json:"currency_code"`
	MoreInfo       string   `json:"more_info"`
	PayingVat      bool     `json:"paying_vat"`
	CreateToken    bool     `json:"create_token"`
	Customer       Customer `json:"customer"`
	Items          []Item   `json:"items"`

	RefURLSuccess  string `json:"refURL_success,omitempty"`
	RefURLFailure  string `json:"refURL_failure,omitempty"`
	RefURLCancel   string `json:"refURL_cancel,omitempty"`
	RefURLCallback string `json:"refURL_callback,omitempty"`

	HideOtherChargeMethods bool `json:"hide_other_charge_methods"`
	HideIdentificationID   bool `json:"hide_identification_id"`
	HidePaymentsField      bool `json:"hide_payments_field"`
	SendFailureCallback    bool `json:"send_failure_callback"`
}

// CaptureRequest captures a previously authorized transaction.
type CaptureRequest struct {
	TransactionUID string  `json:"transaction_uid"`
	Amount         float64 `json:"amount"`
	MoreInfo       string  `json:"more_info,omitempty"`
	Items          []Item  `json:"items,omitempty"`
}

// PaymentLink is the parsed generateLink response. A non-approved link is
// data, not an error; Code and Description carry the gateway's reason.
type PaymentLink struct {
	Approved        bool
	Code            string
	Description     string
	PageRequestUID  string
	PaymentPageLink string
	Raw             json.RawMessage
}

// StatusQuery targets one transaction on the IPN endpoint. Exactly one of
// the two fields should be set; TransactionUID wins when both are.
type StatusQuery struct {
	TransactionUID string
	PageRequestUID string
}

// RelatedTransaction is one sub-transaction of a combined-method payment.
type RelatedTransaction struct {
	TransactionUID string  `json:"transaction_uid"`
	Method         string  `json:"method"`
	Amount         float64 `json:"amount"`
	ApprovalNum    string  `json:"approval_num,omitempty"`
	VoucherNum     string  `json:"voucher_num,omitempty"`
	FourDigits     string  `json:"four_digits,omitempty"`
	BrandName      string  `json:"brand_name,omitempty"`
	AltMethodID    string  `json:"alternative_method_identifier,omitempty"`
}

// GatewayResult is the authoritative parsed IPN payload for one transaction.
// AmountMinor is converted from the wire's major units at parse time.
type GatewayResult struct {
	TransactionUID        string
	PageRequestUID        string
	StatusCode            string
	Type                  string
	AmountMinor           int64
	Currency              string
	MoreInfo              string
	ApprovalNum           string
	VoucherNum            string
	Method                string
	FourDigits            string
	BrandName             string
	ExpiryMonth           string
	ExpiryYear            string
	TokenUID              string
	CustomerUID           string
	IsMultipleTransaction bool
	RelatedTransactions   []RelatedTransaction
	Raw                   json.RawMessage
}

// Approved reports whether the gateway accepted the payment.
func (r *GatewayResult) Approved() bool {
	return r.StatusCode == StatusCodeSuccess
}

// Combined reports whether the payment settled across multiple methods.
func (r *GatewayResult) Combined() bool {
	return r.IsMultipleTransaction || len(r.RelatedTransactions) > 0
}

// envelope is the outer wrapper every gateway response carries.
type envelope struct {
	Results struct {
		Status      string      `json:"status"`
		Code        json.Number `json:"code"`
		Description string      `json:"description"`
	} `json:"results"`
	Data json.RawMessage `json:"data"`
}

func (e *envelope) success() bool {
	return e.Results.Status == "success"
}

// wireResult mirrors the IPN data object as the gateway sends it.
type wireResult struct {
	TransactionUID        string               `json:"transaction_uid"`
	PageRequestUID        string               `json:"page_request_uid"`
	StatusCode            string               `json:"status_code"`
	Type                  string               `json:"type"`
	Amount                float64              `json:"amount"`
	Currency              string               `json:"currency"`
	MoreInfo              string               `json:"more_info"`
	ApprovalNum           string               `json:"approval_num"`
	VoucherNum            string               `json:"voucher_num"`
	Method                string               `json:"method"`
	FourDigits            string               `json:"four_digits"`
	BrandName             string               `json:"brand_name"`
	ExpiryMonth           string               `json:"expiry_month"`
	ExpiryYear            string               `json:"expiry_year"`
	TokenUID              string               `json:"token_uid"`
	CustomerUID           string               `json:"customer_uid"`
	IsMultipleTransaction bool                 `json:"is_multiple_transaction"`
	RelatedTransactions   []RelatedTransaction `json:"related_transactions"`
}

type wireLink struct {
	PageRequestUID  string `json:"page_request_uid"`
	PaymentPageLink string `json:"payment_page_link"`
}
